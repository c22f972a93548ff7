package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"obddash/internal/config"
	"obddash/internal/ingest"
	"obddash/internal/obd"
)

const elmCommandTimeout = 5 * time.Second

func newAgentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Poll an ELM327 adapter and publish readings and trouble codes over MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := cfg.ValidateAgent(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runAgent(cmd.Context(), cfg, log)
		},
	}
}

func runAgent(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	params, err := obd.ResolveParameters(cfg.Agent.Parameters)
	if err != nil {
		return err
	}
	port, err := obd.OpenSerial(cfg.Agent.Port, cfg.Agent.Baud)
	if err != nil {
		return err
	}
	defer port.Close()
	elm := obd.NewELM327(port, elmCommandTimeout)
	if err := elm.Init(ctx); err != nil {
		return fmt.Errorf("init adapter: %w", err)
	}
	set, err := obd.OpenDTCSet(cfg.Agent.StatePath)
	if err != nil {
		return err
	}
	defer set.Close()

	vin := strings.ToUpper(strings.TrimSpace(cfg.Agent.VIN))
	topics := ingest.Topics{Prefix: cfg.MQTT.TopicPrefix}
	// The server owns the configured client id; agents get one per VIN.
	mcfg := ingestConfig(cfg.MQTT, "obddash-agent-"+vin)

	var agent *obd.Agent
	opts := ingest.NewClientOptions(mcfg, log, func(c mqtt.Client) {
		agent.Subscribe(c, topics, cfg.MQTT.QoS)
	})
	client := mqtt.NewClient(opts)
	agent = obd.NewAgent(elm, ingest.NewPublisher(client, topics, cfg.MQTT.QoS), set, obd.AgentConfig{
		VIN:        vin,
		Interval:   cfg.Agent.Interval,
		DTCEvery:   cfg.Agent.DTCEvery,
		Parameters: params,
	}, log)

	connectCtx, cancel := context.WithTimeout(ctx, mcfg.ConnectTimeout)
	defer cancel()
	if _, err := ingest.Connect(connectCtx, func(*mqtt.ClientOptions) mqtt.Client { return client }, opts); err != nil {
		return fmt.Errorf("connect %s: %w", mcfg.Broker, err)
	}
	defer client.Disconnect(250)
	log.Info("agent started", zap.String("vin", vin), zap.Int("parameters", len(params)))
	return agent.Run(ctx)
}
