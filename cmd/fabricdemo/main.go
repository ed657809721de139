// Command fabricdemo is a thin wiring example, not a product CLI: it
// drives the canonical pipeline described in the package map — heartbeat
// tracking feeding a facility's action input, which a self-loop drives,
// over an in-memory registry standing in for a real heartbeat listener.
//
// Flags are parsed with pflag alone, matching the teacher's indirect
// etcd/zap stack plus the arkeep/Livepeer convention of pflag for a single
// command with no subcommand tree (so no cobra).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/matrixspace/fabric/facility"
	selection "github.com/matrixspace/fabric/facility/select"
	"github.com/matrixspace/fabric/heartbeat"
	"github.com/matrixspace/fabric/selfloop"
	"github.com/matrixspace/fabric/session/tcpsession"
)

func main() {
	var (
		senderFilter   = pflag.String("sender-filter", "", "regex filtering which peer senders to track (empty = all)")
		facilityFilter = pflag.String("facility-filter", "", "regex filtering which facility channels to track (empty = all)")
		ttl            = pflag.Duration("ttl", 5*time.Second, "liveness TTL for a peer/facility pair")
		tickInterval   = pflag.Duration("tick-interval", time.Second, "interval between liveness ticks")
		peerAddr       = pflag.String("peer", "", "tcp://host:port channel spec of one peer facility to track")
		verbose        = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fabricdemo: failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	senderRE, facilityRE, err := compileFilters(*senderFilter, *facilityFilter)
	if err != nil {
		logger.Fatal("invalid filter", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracker := heartbeat.NewTracker(senderRE, facilityRE, *ttl)

	dialer := tcpsession.NewDialer(logger)
	fac := facility.New("demo", facility.TCP, facility.Random, nil, dialer).
		WithSelectionPolicy(&selection.RoundRobin{})

	loop := selfloop.New(fac, func() []byte { return []byte("PING") }, func(initial []byte, rep facility.OrderReply) bool {
		return rep.Final
	})

	actions := make(chan facility.Action, 16)
	out := loop.Run(ctx, actions)

	if *peerAddr != "" {
		if err := seedPeer(tracker, *peerAddr); err != nil {
			logger.Warn("could not seed peer from -peer flag", zap.Error(err))
		}
	}

	go reportReplies(ctx, logger, out)
	runTickLoop(ctx, logger, tracker, actions, *tickInterval)
}

func compileFilters(senderPattern, facilityPattern string) (*regexp.Regexp, *regexp.Regexp, error) {
	var senderRE, facilityRE *regexp.Regexp
	var err error
	if senderPattern != "" {
		senderRE, err = regexp.Compile(senderPattern)
		if err != nil {
			return nil, nil, err
		}
	}
	if facilityPattern != "" {
		facilityRE, err = regexp.Compile(facilityPattern)
		if err != nil {
			return nil, nil, err
		}
	}
	return senderRE, facilityRE, nil
}

func seedPeer(tracker *heartbeat.Tracker, spec string) error {
	tracker.ProcessHeartbeat(timeNow(), heartbeat.Message{
		SenderName:       "fabricdemo-seed",
		Timestamp:        timeNow(),
		FacilityChannels: map[string]string{"demo": spec},
	})
	return nil
}

func timeNow() time.Time { return time.Now() }

func runTickLoop(ctx context.Context, logger *zap.Logger, tracker *heartbeat.Tracker, actions chan<- facility.Action, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("fabricdemo shutting down")
			return
		case now := <-ticker.C:
			for _, a := range tracker.ProcessTick(now) {
				if a.Type == facility.NoChange {
					continue
				}
				logger.Info("discovery action", zap.String("type", a.Type.String()), zap.String("locator", a.Locator.String()))
				select {
				case actions <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func reportReplies(ctx context.Context, logger *zap.Logger, out <-chan facility.OrderReply) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-out:
			if !ok {
				return
			}
			if rep.Err != nil {
				logger.Warn("order failed", zap.Error(rep.Err))
				continue
			}
			logger.Info("order reply", zap.String("locator", rep.Locator.String()), zap.Int("bytes", len(rep.Payload)), zap.Bool("final", rep.Final))
		}
	}
}
