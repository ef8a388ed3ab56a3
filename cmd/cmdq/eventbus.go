package main

import (
	"github.com/kandev/cmdq/internal/common/config"
	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/events"
	"github.com/kandev/cmdq/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}
