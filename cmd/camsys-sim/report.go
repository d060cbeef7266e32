package main

import (
	"fmt"
	"time"

	framecontrol "github.com/e7canasta/orion-care-sensor/modules/frame-control"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sim"
)

func printBanner(cfg *config.Config, bus string, frames int) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║        CamSys Frame-Control Simulator - Orion 2.0         ║\n")
	fmt.Printf("║                      Version %s                       ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Instance:      %s\n", cfg.InstanceID)
	for _, cc := range cfg.Contexts {
		kind := "sensor"
		if cc.M2M {
			kind = "m2m"
		}
		fmt.Printf("  Context %-2d:    %s, pipes %v, period %s\n", cc.ID, kind, cc.Pipes(), cc.Period())
	}
	fmt.Printf("  Pool:          %d x %d bytes\n", cfg.Pool.Count, cfg.Pool.BufferSize)
	if bus != "" {
		fmt.Printf("  I2C Bus:       %s\n", bus)
	} else {
		fmt.Printf("  I2C Bus:       (recorded in memory)\n")
	}
	if frames > 0 {
		fmt.Printf("  Frames:        %d per client\n", frames)
	} else {
		fmt.Printf("  Frames:        unlimited\n")
	}
	if cfg.Sim.StallEvery+cfg.Sim.LoseDoneEvery+cfg.Sim.BusyEvery > 0 {
		fmt.Printf("  Faults:        stall/%d lost-done/%d busy/%d\n",
			cfg.Sim.StallEvery, cfg.Sim.LoseDoneEvery, cfg.Sim.BusyEvery)
	}
	fmt.Printf("\n")
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")
}

func printStats(uptime time.Duration, st framecontrol.Stats, hw sim.RigStats) {
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Frame-Control Statistics (Uptime: %s)\n", uptime.Round(time.Second))
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Pool In Use:        %6d / %d\n", st.Pool.InUse, st.Pool.Size)
	fmt.Printf("│ Pending / Running:  %6d / %d\n", st.Pending, st.Running)
	fmt.Printf("│ SOFs:               %6d\n", hw.Device.SOFs)
	fmt.Printf("│ Frame Dones:        %6d\n", hw.Device.FrameDones)
	for _, c := range st.Contexts {
		fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
		fmt.Printf("│ Context %d (streaming: %v)\n", c.ID, c.Streaming)
		fmt.Printf("│ Completed / Errors: %6d / %d\n", c.Completed, c.Errors)
		fmt.Printf("│ Sensor / ISP Seq:   %6d / %d\n", c.SensorSeq, c.ISPSeq)
		if c.SOF.Window > 1 {
			fmt.Printf("│ SOF Rate:           %6.2f fps (jitter max %s, stable %v)\n", c.SOF.FPSMean, c.SOF.JitterMax, c.SOF.IsStable)
		}
		if c.HWDelays+c.ForcedDone+c.Mismatches > 0 {
			fmt.Printf("│ HW Delays:          %6d\n", c.HWDelays)
			fmt.Printf("│ Forced Dones:       %6d\n", c.ForcedDone)
			fmt.Printf("│ Mismatches:         %6d\n", c.Mismatches)
		}
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
	fmt.Printf("\n")
}

func printFinal(uptime time.Duration, res sim.ClientResult, hw sim.RigStats) {
	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                     Final Statistics                      \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Total Uptime:       %s\n", uptime.Round(time.Second))
	fmt.Printf("  Requests Enqueued:  %d\n", res.Enqueued)
	fmt.Printf("  Completed OK:       %d\n", res.Done)
	fmt.Printf("  Completed ERROR:    %d\n", res.Errors)
	if res.Duplicates > 0 {
		fmt.Printf("  Duplicate Dones:    %d\n", res.Duplicates)
	}
	fmt.Printf("  Drain Notices:      %d\n", res.Drained)
	fmt.Printf("  SOFs / Stalls:      %d / %d\n", hw.Device.SOFs, hw.Device.Stalls)
	fmt.Printf("  Lost Dones:         %d\n", hw.Device.LostDones)
	fmt.Printf("  Co-proc Busy:       %d of %d\n", hw.CoProc.Busy, hw.CoProc.Submits)
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")
}
