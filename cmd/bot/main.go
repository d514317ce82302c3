package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kannanvijayan/ProceduralEden/internal/api"
	"github.com/kannanvijayan/ProceduralEden/internal/logging"
	"github.com/kannanvijayan/ProceduralEden/internal/protocol"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
	"github.com/kannanvijayan/ProceduralEden/internal/transport/ws"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup always runs.
func run(args []string) int {
	fs := flag.NewFlagSet("bot", flag.ContinueOnError)
	var (
		url    = fs.String("url", "ws://127.0.0.1:8089/v1/ws", "ws url")
		label  = fs.String("label", "bot", "simulation label")
		width  = fs.Int("width", 1024, "world width (multiple of 128)")
		height = fs.Int("height", 512, "world height (multiple of 128)")
		count  = fs.Int("count", 10, "units added per round")
		rounds = fs.Int("rounds", 3, "AddRandomUnits rounds")
		keep   = fs.Bool("keep", false, "leave the simulation on the server")
		level  = fs.String("log_level", "info", "log level")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := logging.Component(logging.New(*level, "text"), "bot")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := ws.Dial(dctx, *url, api.Catalog(),
		protocol.WithClientLogger(logger),
		protocol.WithEventHandler(func(name string, attrs json.RawMessage) {
			if name != api.ServerShutdownEvent {
				logger.WithField("event", name).Info("event")
				return
			}
			ev, err := api.DecodeServerShutdown(attrs)
			if err != nil {
				logger.WithError(err).Warn("bad ServerShutdown")
				return
			}
			logger.WithField("reason", ev.Reason).Warn("server shutting down")
			cancel()
		}),
	)
	dcancel()
	if err != nil {
		logger.WithError(err).Error("dial")
		return 1
	}
	defer conn.Close()

	if err := play(ctx, api.NewClient(conn.Protocol()), logger, sim.InitParams{
		LogicVersion: "bot-1",
		Label:        *label,
		WorldDims:    sim.WorldDims{*width, *height},
	}, *count, *rounds, *keep); err != nil {
		logger.WithError(err).Error("bot")
		return 1
	}
	return 0
}

// play creates a simulation and grows it. After every round the server's unit
// count and next turn must match a local replay of the same seed, and the
// final GetSimulation must report the same init state.
func play(ctx context.Context, c *api.Client, logger logrus.FieldLogger, params sim.InitParams, count, rounds int, keep bool) error {
	init, err := c.CreateSimulation(ctx, params)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger = logger.WithField("sim_id", init.ID)
	logger.WithField("seed", init.Seed).Info("created")

	local := sim.CreateAtStart(init)
	for i := 0; i < rounds; i++ {
		res, err := c.AddRandomUnits(ctx, init.ID, count)
		if err != nil {
			return fmt.Errorf("add units: %w", err)
		}
		if err := local.AddNewRandomUnits(count); err != nil {
			return fmt.Errorf("local add: %w", err)
		}
		if res.UnitCount != local.UnitCount() || res.NextTurn != local.NextTurn() {
			return fmt.Errorf("round %d: server units=%d turn=%d, local units=%d turn=%d",
				i, res.UnitCount, res.NextTurn, local.UnitCount(), local.NextTurn())
		}
		logger.WithFields(logrus.Fields{"round": i, "units": res.UnitCount, "next_turn": res.NextTurn}).Info("added")
	}

	info, err := c.GetSimulation(ctx, init.ID)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if info.InitState != init || info.UnitCount != local.UnitCount() {
		return fmt.Errorf("server view %+v disagrees with local replay", info)
	}
	for i, u := range local.Units() {
		logger.WithFields(logrus.Fields{"index": i, "x": u.Position[0], "y": u.Position[1], "type": u.Type}).Debug("unit")
	}

	if keep {
		return nil
	}
	return c.DropSimulation(ctx, init.ID)
}
