package db_changelog

type ChangeSetOption func(*ChangeSet)

func WithSQL(sql string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.up = sql
	}
}

// WithFunc задает тело набора на Go. Чтобы изменения функции приводили к INVALID_MD5SUM
// или повторному выполнению, передайте WithCheckSumSource.
func WithFunc(f MigrateFunc) ChangeSetOption {
	return func(c *ChangeSet) {
		c.upF = f
	}
}

func WithRollbackSQL(sql string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.down = sql
	}
}

func WithRollbackFunc(f MigrateFunc) ChangeSetOption {
	return func(c *ChangeSet) {
		c.downF = f
	}
}

func WithCheckSumSource(source string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.checkSumSource = source
	}
}

// WithRunOnChange выполняет набор повторно при изменении суммы вместо ошибки валидации.
func WithRunOnChange() ChangeSetOption {
	return func(c *ChangeSet) {
		c.runOnChange = true
	}
}

// WithRunAlways выполняет набор при каждом Update.
func WithRunAlways() ChangeSetOption {
	return func(c *ChangeSet) {
		c.runAlways = true
	}
}

// WithoutTransaction выполняет набор вне транзакции, например для CREATE INDEX CONCURRENTLY.
// Запись в историю делается отдельно после успешного выполнения.
func WithoutTransaction() ChangeSetOption {
	return func(c *ChangeSet) {
		c.transactional = false
	}
}

// WithContinueOnError записывает упавший набор со статусом FAILED и продолжает Update.
func WithContinueOnError() ChangeSetOption {
	return func(c *ChangeSet) {
		c.continueOnError = true
	}
}

func WithContexts(contexts ...string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.contexts = contexts
	}
}

func WithLabels(labels ...string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.labels = labels
	}
}

// WithDbms ограничивает набор СУБД: "postgres", "mysql", "sqlite", "!mysql", "all", "none".
func WithDbms(dbms ...string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.dbms = dbms
	}
}

func WithDescription(description string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.description = description
	}
}

func WithComments(comments string) ChangeSetOption {
	return func(c *ChangeSet) {
		c.comments = comments
	}
}
