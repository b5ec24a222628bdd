package history

import (
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/registry"
)

const StandardPriority = 1

// NewRegistry возвращает реестр сервисов истории со стандартной реализацией.
func NewRegistry(opts ...Option) *registry.Registry[Service] {
	return registry.New[Service](
		registry.Definition[Service]{
			ServiceName:     "standard history",
			ServicePriority: StandardPriority,
			NewF: func(db *database.Database) (Service, error) {
				return NewStandardService(db, opts...), nil
			},
		},
	)
}
