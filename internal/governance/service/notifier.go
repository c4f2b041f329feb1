package service

import (
	"context"
	"log/slog"

	"sortition/internal/governance/models"
)

// LogNotifier writes CitizenAdded events to a structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) CitizenAdded(ctx context.Context, event models.CitizenAdded) error {
	n.logger.InfoContext(ctx, models.EventCitizenAdded,
		"pool_id", event.GovernancePool.String(),
		"participant_id", event.Citizen.String(),
		"token_amount", event.TokenAmount,
	)
	return nil
}
