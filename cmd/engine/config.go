package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/pipetrack/internal/buildlock/buildlockconsul"
	"github.com/k11v/pipetrack/internal/buildstatus"
	"github.com/k11v/pipetrack/internal/dispatch"
	"github.com/k11v/pipetrack/internal/dispatch/dispatchdocker"
	"github.com/k11v/pipetrack/internal/event/eventamqp"
	"github.com/k11v/pipetrack/internal/postgresutil"
	"github.com/k11v/pipetrack/internal/redisutil"
	"github.com/k11v/pipetrack/internal/s3util"
	"github.com/k11v/pipetrack/internal/server"
	"github.com/k11v/pipetrack/internal/taskpause"
)

// config holds the application configuration.
type config struct {
	Development bool `env:"PIPETRACK_DEVELOPMENT"`
	MemoryLock  bool `env:"PIPETRACK_MEMORY_LOCK"` // single instance only

	Postgres    postgresutil.Config    `envPrefix:"PIPETRACK_POSTGRES_"`
	Redis       redisutil.Config       `envPrefix:"PIPETRACK_REDIS_"`
	Consul      buildlockconsul.Config `envPrefix:"PIPETRACK_CONSUL_"`
	AMQP        eventamqp.Config       `envPrefix:"PIPETRACK_AMQP_"`
	S3          s3util.Config          `envPrefix:"PIPETRACK_S3_"`
	Server      server.Config          `envPrefix:"PIPETRACK_SERVER_"`
	BuildStatus buildstatus.Config     `envPrefix:"PIPETRACK_BUILD_STATUS_"`
	Dispatch    dispatch.Config        `envPrefix:"PIPETRACK_DISPATCH_"`
	Docker      dispatchdocker.Config  `envPrefix:"PIPETRACK_DOCKER_"`
	Brackets    taskpause.Brackets     `envPrefix:"PIPETRACK_BRACKETS_"`
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	cfg := config{Brackets: taskpause.DefaultBrackets()}

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
