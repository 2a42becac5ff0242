// Package app wires storage, identity, the p2p node, the bus, and the phone
// together and owns their lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"pubphone/internal/bus"
	"pubphone/internal/call"
	"pubphone/internal/config"
	"pubphone/internal/identity"
	"pubphone/internal/p2p"
	"pubphone/internal/phone"
	"pubphone/internal/storage"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Interactive enables the stdin command console.
	Interactive bool
}

// Run starts a phone peer and blocks until ctx ends. Teardown order:
// bus unsubscribe, call/negotiator release (both via phone.Stop), then the
// host and the database.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	idp := identity.New(db)
	priv, pid, err := idp.Identity()
	if err != nil {
		if errors.Is(err, identity.ErrMalformed) {
			return fmt.Errorf("identity material in %s is corrupt, refusing to start: %w", db.Path(), err)
		}
		return fmt.Errorf("derive identity: %w", err)
	}
	number, err := idp.LocalNumber()
	if err != nil {
		return err
	}

	node, err := p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
		Key:        priv,
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	b := bus.New(node, cfg.Signaling.Topic)

	ph := phone.New(phone.Options{
		Bus:     b,
		Number:  number,
		Factory: call.NewPionFactory(call.PionOptions{STUNServers: cfg.Call.STUNServers}),
		Policy:  phone.Policy{RingingMismatchReject: cfg.Call.RingingMismatchReject},
	})
	if err := ph.Start(ctx); err != nil {
		return fmt.Errorf("start phone: %w", err)
	}
	defer ph.Stop()

	// Policy knobs follow the config file at runtime.
	go func() {
		if err := config.Watch(ctx, opt.CfgPath, func(cfg config.Config) {
			ph.SetPolicy(phone.Policy{RingingMismatchReject: cfg.Call.RingingMismatchReject})
		}); err != nil {
			log.Printf("APP: config watch: %v", err)
		}
	}()

	go printEvents(ctx, ph)

	log.Printf("APP: number %s, peer id %s", number, pid)
	fmt.Printf("Your number:  %s\nYour peer id: %s\n\n", number, pid)

	if opt.Interactive {
		go console(ctx, ph, number, pid.String())
	}

	<-ctx.Done()
	return nil
}

// printEvents translates phone events into user-facing cues. Actual tone
// playback stays outside the core.
func printEvents(ctx context.Context, ph *phone.Phone) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ph.Events():
			switch e.Kind {
			case phone.EventState:
				fmt.Printf("** call state: %s\n", e.State)
			case phone.EventIncoming:
				fmt.Printf("** incoming call from %s (number %s) — answer/reject?\n", e.CallerID, e.CallerNumber)
			case phone.EventHangup:
				if e.Local {
					fmt.Println("** call ended")
				} else {
					fmt.Println("** remote party ended the call")
				}
			}
		}
	}
}
