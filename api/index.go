package api

import (
	"net/http"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/app"
	"fieldcrm/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{
			LoadDotEnv:    false,
			RunMigrations: app.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		})
		if initErr != nil {
			observability.NewLogger("error").Error("bootstrap_failed", map[string]any{"error": initErr.Error()})
		}
	})

	if initErr != nil {
		apierr.Write(w, apierr.Internal())
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
