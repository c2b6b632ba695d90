package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/pjlink/internal/env"
	"github.com/luma/pjlink/simulator"
)

var (
	simAddr     string
	simBanner   string
	simPassword string
)

func init() {
	flags := SimulateCmd.PersistentFlags()

	flags.StringVar(&simAddr, "addr", "127.0.0.1:4352", "The address to listen on")
	flags.StringVar(&simBanner, "banner", "PJLINK 0", "The greeting banner (e.g. \"PJLINK 1 6b1aa0ba\")")
	flags.StringVar(&simPassword, "password", "", "The password expected when the banner requests auth")
}

var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted PJLink device for manual testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		script := &simulator.Script{
			Banner:   simBanner,
			Password: simPassword,
		}

		// A plausible Class 2 display.
		script.
			Reply("%1CLSS ?", "%1CLSS=2").
			Reply("%1POWR ?", "%1POWR=1").
			Reply("%1POWR 1", "%1POWR=OK").
			Reply("%1POWR 0", "%1POWR=OK").
			Reply("%1AVMT ?", "%1AVMT=30").
			Reply("%1ERST ?", "%1ERST=000000").
			Reply("%1LAMP ?", "%1LAMP=8262 1").
			Reply("%1NAME ?", "%1NAME=SIMULATED DISPLAY").
			Reply("%1INF1 ?", "%1INF1=LUMA").
			Reply("%1INF2 ?", "%1INF2=PJ-SIM 1000").
			Reply("%1INFO ?", "%1INFO=Scripted device").
			Reply("%1INPT ?", "%1INPT=31").
			Reply("%2INST ?", "%2INST=11 31 32").
			Reply("%2INNM ?11", "%2INNM=COMPUTER").
			Reply("%2INNM ?31", "%2INNM=HDMI1").
			Reply("%2INNM ?32", "%2INNM=HDMI2").
			Reply("%2SNUM ?", "%2SNUM=SIM-0001").
			Reply("%2SVER ?", "%2SVER=1.0.0")

		device, err := simulator.Start(simAddr, script, log)
		if err != nil {
			return err
		}

		log.Info("Simulated device listening", zap.String("addr", device.Addr().String()))

		<-ctx.Done()
		signalStop()

		return device.Close()
	},
}
