package obd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"obddash/internal/core"
	"obddash/internal/ingest"
	"obddash/pkg/domain"
)

// Adapter is the vehicle side of the agent; ELM327 implements it.
type Adapter interface {
	Query(ctx context.Context, p domain.Parameter) (float64, error)
	ReadDTCs(ctx context.Context) ([]domain.DTC, error)
	ClearDTCs(ctx context.Context) error
}

// Uplink is the server side of the agent; ingest.Publisher implements it.
type Uplink interface {
	PublishTelemetry(ctx context.Context, vin string, payload ingest.TelemetryPayload) error
	PublishDTCs(ctx context.Context, vin string, payload ingest.DTCPayload) error
}

// AgentConfig controls polling.
type AgentConfig struct {
	VIN        string
	Interval   time.Duration
	DTCEvery   int
	Parameters []domain.Parameter
}

// ResolveParameters maps parameter keys to definitions.
func ResolveParameters(keys []string) ([]domain.Parameter, error) {
	out := make([]domain.Parameter, 0, len(keys))
	for _, k := range keys {
		p, ok := domain.LookupParameter(k)
		if !ok {
			return nil, fmt.Errorf("unknown parameter %q", k)
		}
		out = append(out, p)
	}
	return out, nil
}

// Agent polls an adapter on an interval and publishes what it reads. Adapter
// access, including commands from the server, happens on the Run goroutine.
type Agent struct {
	adapter Adapter
	uplink  Uplink
	set     *DTCSet
	cfg     AgentConfig
	log     *zap.Logger
	now     func() time.Time
	cmds    chan core.Command
}

// NewAgent builds an agent. A DTCEvery of zero checks codes on every poll.
func NewAgent(adapter Adapter, uplink Uplink, set *DTCSet, cfg AgentConfig, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DTCEvery <= 0 {
		cfg.DTCEvery = 1
	}
	return &Agent{
		adapter: adapter,
		uplink:  uplink,
		set:     set,
		cfg:     cfg,
		log:     log.With(zap.String("component", "agent"), zap.String("vin", cfg.VIN)),
		now:     time.Now,
		cmds:    make(chan core.Command, 4),
	}
}

// Run polls until ctx ends. The first poll and DTC check happen immediately.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	tick := 0
	for {
		if err := a.Poll(ctx); err != nil {
			a.log.Warn("publish telemetry", zap.Error(err))
		}
		if tick%a.cfg.DTCEvery == 0 {
			if err := a.CheckDTCs(ctx); err != nil {
				a.log.Warn("check trouble codes", zap.Error(err))
			}
		}
		tick++
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-a.cmds:
				if err := a.HandleCommand(ctx, cmd); err != nil {
					a.log.Error("handle command", zap.String("command", cmd.Name), zap.Error(err))
				}
			case <-ticker.C:
				break wait
			}
		}
	}
}

// Poll reads every configured parameter and publishes those that answered.
func (a *Agent) Poll(ctx context.Context) error {
	readings := make(map[string]float64, len(a.cfg.Parameters))
	for _, p := range a.cfg.Parameters {
		v, err := a.adapter.Query(ctx, p)
		switch {
		case errors.Is(err, ErrNoData):
			a.log.Debug("parameter not supported", zap.String("parameter", p.Key))
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("query parameter", zap.String("parameter", p.Key), zap.Error(err))
			continue
		}
		readings[p.Key] = v
	}
	if len(readings) == 0 {
		return nil
	}
	payload := ingest.TelemetryPayload{Timestamp: ingest.Timestamp{Time: a.now().UTC()}, Readings: readings}
	return a.uplink.PublishTelemetry(ctx, a.cfg.VIN, payload)
}

// CheckDTCs reads stored codes and publishes the ones not reported before.
func (a *Agent) CheckDTCs(ctx context.Context) error {
	codes, err := a.adapter.ReadDTCs(ctx)
	if err != nil {
		return err
	}
	if err := a.set.Retain(codes); err != nil {
		return err
	}
	var fresh []ingest.FaultEntry
	for _, c := range codes {
		isNew, err := a.set.IsNew(c)
		if err != nil {
			return err
		}
		if isNew {
			fresh = append(fresh, ingest.FaultEntry{Code: c.String(), Status: domain.FaultStatusActive})
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	payload := ingest.DTCPayload{Timestamp: ingest.Timestamp{Time: a.now().UTC()}, Codes: fresh}
	if err := a.uplink.PublishDTCs(ctx, a.cfg.VIN, payload); err != nil {
		// Forget them so the next check retries.
		for _, f := range fresh {
			if rerr := a.set.Remove(domain.DTC(f.Code)); rerr != nil {
				a.log.Warn("forget unpublished trouble code", zap.String("code", f.Code), zap.Error(rerr))
			}
		}
		return err
	}
	a.log.Info("published new trouble codes", zap.Int("count", len(fresh)))
	return nil
}

// HandleCommand executes a server command. Mode 04 cannot target single
// codes, so clear_dtcs always clears everything.
func (a *Agent) HandleCommand(ctx context.Context, cmd core.Command) error {
	switch cmd.Name {
	case core.CommandClearDTCs:
		if err := a.adapter.ClearDTCs(ctx); err != nil {
			return fmt.Errorf("clear trouble codes: %w", err)
		}
		if err := a.set.ClearAll(); err != nil {
			return fmt.Errorf("reset dtc set: %w", err)
		}
		a.log.Info("trouble codes cleared", zap.Strings("requested", cmd.Codes))
		return nil
	default:
		a.log.Warn("ignoring unknown command", zap.String("command", cmd.Name))
		return nil
	}
}

// Subscribe registers the command handler; call it from the client's
// OnConnect hook so it survives reconnects.
func (a *Agent) Subscribe(client mqtt.Client, topics ingest.Topics, qos byte) {
	topic := topics.Vehicle(a.cfg.VIN, ingest.KindCommands)
	token := client.Subscribe(topic, qos, a.onCommand)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			a.log.Error("subscribe to commands", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// onCommand queues a command for the Run loop. It never blocks paho.
func (a *Agent) onCommand(_ mqtt.Client, msg mqtt.Message) {
	var cmd core.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		a.log.Warn("decode command", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	select {
	case a.cmds <- cmd:
	default:
		a.log.Warn("command queue full, dropping", zap.String("command", cmd.Name))
	}
}
