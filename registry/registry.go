// Package registry выбирает реализацию сервиса для базы данных по приоритету и предикату поддержки.
// Реестр создается явно владельцем процесса миграции и не хранит глобального состояния.
package registry

import (
	"sync"

	"github.com/Maksumys/db-changelog/database"
	"github.com/juju/errors"
)

const ErrNoSupportingService = errors.ConstError("no supporting service")

type Factory[T any] interface {
	Name() string
	Priority() int
	Supports(db *database.Database) bool
	New(db *database.Database) (T, error)
}

// Resetter реализуется сервисами с локальным состоянием (флаг блокировки, кэш истории).
type Resetter interface {
	Reset()
}

// Definition позволяет описать фабрику без отдельного типа.
type Definition[T any] struct {
	ServiceName     string
	ServicePriority int
	SupportsF       func(db *database.Database) bool
	NewF            func(db *database.Database) (T, error)
}

func (d Definition[T]) Name() string  { return d.ServiceName }
func (d Definition[T]) Priority() int { return d.ServicePriority }

func (d Definition[T]) Supports(db *database.Database) bool {
	if d.SupportsF == nil {
		return true
	}
	return d.SupportsF(db)
}

func (d Definition[T]) New(db *database.Database) (T, error) {
	return d.NewF(db)
}

type Registry[T any] struct {
	mu        sync.Mutex
	factories []Factory[T]
	instances map[*database.Database]T
}

func New[T any](factories ...Factory[T]) *Registry[T] {
	return &Registry[T]{
		factories: factories,
		instances: make(map[*database.Database]T),
	}
}

func (r *Registry[T]) Register(factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = append(r.factories, factory)
}

// Select возвращает фабрику с наибольшим приоритетом среди поддерживающих db.
// При равных приоритетах побеждает зарегистрированная раньше.
func (r *Registry[T]) Select(db *database.Database) (Factory[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selectLocked(db)
}

func (r *Registry[T]) selectLocked(db *database.Database) (Factory[T], error) {
	var selected Factory[T]
	for _, factory := range r.factories {
		if !factory.Supports(db) {
			continue
		}
		if selected == nil || factory.Priority() > selected.Priority() {
			selected = factory
		}
	}

	if selected == nil {
		return nil, errors.Annotatef(ErrNoSupportingService, "for %s", db)
	}
	return selected, nil
}

// ServiceFor возвращает закэшированный для db экземпляр или создает новый.
func (r *Registry[T]) ServiceFor(db *database.Database) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance, ok := r.instances[db]; ok {
		return instance, nil
	}

	var zero T
	factory, err := r.selectLocked(db)
	if err != nil {
		return zero, err
	}

	instance, err := factory.New(db)
	if err != nil {
		return zero, errors.Annotatef(err, "creating %s", factory.Name())
	}

	r.instances[db] = instance
	return instance, nil
}

// ResetAll сбрасывает локальное состояние всех созданных экземпляров и очищает кэш.
func (r *Registry[T]) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for db, instance := range r.instances {
		if resetter, ok := any(instance).(Resetter); ok {
			resetter.Reset()
		}
		delete(r.instances, db)
	}
}
