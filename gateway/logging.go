package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LoggingGateway is a stand-in processor for environments without a real
// payment integration. Every call succeeds and is logged; holds are issued
// fresh references so downstream idempotence still gets exercised.
type LoggingGateway struct {
	log zerolog.Logger
}

func NewLoggingGateway(log zerolog.Logger) *LoggingGateway {
	return &LoggingGateway{log: log}
}

func (g *LoggingGateway) Hold(_ context.Context, amount decimal.Decimal) (Ref, error) {
	ref := Ref(fmt.Sprintf("hold_%s", uuid.NewString()))
	g.log.Info().Str("ref", string(ref)).Str("amount", amount.StringFixed(2)).Msg("gateway hold")
	return ref, nil
}

func (g *LoggingGateway) Release(_ context.Context, ref Ref) error {
	g.log.Info().Str("ref", string(ref)).Msg("gateway release")
	return nil
}

func (g *LoggingGateway) Refund(_ context.Context, ref Ref) error {
	g.log.Info().Str("ref", string(ref)).Msg("gateway refund")
	return nil
}
