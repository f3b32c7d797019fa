package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/service"
	"github.com/shaiso/conveyor/internal/txn"
)

// App — подключение CLI к хранилищу и фасаду.
//
// CLI работает с БД напрямую, без отдельного API-процесса: тот же
// фасад, те же проверки ролей.
type App struct {
	Facade    *service.Facade
	Principal domain.Principal

	pool *pgxpool.Pool
}

// Connect строит фасад по конфигурации.
func Connect(ctx context.Context, cfg *config.Config, principal domain.Principal) (*App, error) {
	pool, err := repo.NewPool(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// CLI шумит в stderr только при ошибках.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	facade := service.New(service.Config{
		Authorizer:  service.NewStaticAuthorizer(),
		Coord:       txn.NewCoordinator(pool, logger),
		Runs:        repo.NewRunRepo(pool),
		Jobs:        repo.NewJobRepo(pool),
		Workflows:   repo.NewWorkflowRepo(pool),
		MaxAttempts: cfg.Defaults.MaxAttempts,
		Logger:      logger,
	})

	return &App{
		Facade:    facade,
		Principal: principal,
		pool:      pool,
	}, nil
}

// Close освобождает соединения.
func (a *App) Close() {
	a.pool.Close()
}

// ParsePrincipal разбирает значение флага --as: "name:role1,role2".
func ParsePrincipal(value string) (domain.Principal, error) {
	name, rolesPart, found := strings.Cut(value, ":")
	if name == "" {
		return domain.Principal{}, fmt.Errorf("invalid principal %q, expected NAME[:ROLE,...]", value)
	}

	p := domain.Principal{Name: name}
	if found {
		for _, role := range strings.Split(rolesPart, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p, nil
}
