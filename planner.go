package db_changelog

import (
	"container/list"
	"context"
	"strings"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/Maksumys/db-changelog/history"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ChangeSetStatus состояние зарегистрированного набора изменений относительно истории.
type ChangeSetStatus struct {
	ChangeSet *ChangeSet
	RunStatus history.RunStatus
	// FilteredOut набор не подходит под контексты запуска или СУБД и не рассматривается.
	FilteredOut bool
	// WillRun набор будет выполнен следующим Update с типом ExecType.
	WillRun  bool
	ExecType history.ExecType

	CurrentCheckSum *checksum.CheckSum
	LastCheckSum    *checksum.CheckSum
	LastExecType    history.ExecType
}

type plannedChangeSet struct {
	// nil при откате служебной записи истории
	changeSet *ChangeSet
	status    history.RunStatus
	execType  history.ExecType
	ran       *history.RanChangeSet
}

type changeSetsPlan struct {
	changeSetsToRun *list.List
}

func newChangeSetsPlan() changeSetsPlan {
	return changeSetsPlan{
		changeSetsToRun: list.New(),
	}
}

func (p changeSetsPlan) IsEmpty() bool {
	return p.changeSetsToRun.Len() == 0
}

func (p changeSetsPlan) Len() int {
	return p.changeSetsToRun.Len()
}

func (p changeSetsPlan) PopFirst() plannedChangeSet {
	first := p.changeSetsToRun.Front()
	p.changeSetsToRun.Remove(first)
	return first.Value.(plannedChangeSet)
}

type updatePlanner struct {
	manager *MigrationManager
	history history.Service
}

// Statuses вычисляет состояние каждого зарегистрированного набора в порядке регистрации.
func (p *updatePlanner) Statuses(ctx context.Context) ([]ChangeSetStatus, error) {
	filter := p.manager.filter()
	changeSets := p.manager.changeLog.changeSets

	statuses := make([]ChangeSetStatus, 0, len(changeSets))
	for _, cs := range changeSets {
		status := ChangeSetStatus{
			ChangeSet:       cs,
			CurrentCheckSum: cs.CheckSum(),
		}
		if !filter.Matches(cs) {
			status.FilteredOut = true
			statuses = append(statuses, status)
			continue
		}

		// RunStatus заполняет пустую сумму, поэтому запись истории читается после него
		runStatus, err := p.history.RunStatus(ctx, cs)
		if err != nil {
			return nil, err
		}
		ran, err := p.history.RanChangeSet(ctx, cs)
		if err != nil {
			return nil, err
		}

		status.RunStatus = runStatus
		if ran != nil {
			status.LastCheckSum = ran.LastCheckSum
			status.LastExecType = ran.ExecType
		}
		status.ExecType, status.WillRun = nextExecType(cs, runStatus, ran)
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// MakePlan возвращает наборы к выполнению. Если хотя бы один набор не прошел проверку,
// план не строится и возвращается *ValidationError со всеми найденными ошибками.
func (p *updatePlanner) MakePlan(ctx context.Context) (changeSetsPlan, error) {
	statuses, err := p.Statuses(ctx)
	if err != nil {
		return changeSetsPlan{}, err
	}

	var validationErr ValidationError
	plan := newChangeSetsPlan()
	for _, status := range statuses {
		cs := status.ChangeSet
		if err := cs.validate(); err != nil {
			validationErr.add(err)
			continue
		}
		if status.RunStatus == history.StatusInvalidMD5Sum {
			validationErr.add(&CheckSumMismatchError{
				Key:     cs.Key(),
				Stored:  status.LastCheckSum,
				Current: status.CurrentCheckSum,
			})
			continue
		}
		if !status.WillRun {
			continue
		}

		plan.changeSetsToRun.PushBack(plannedChangeSet{
			changeSet: cs,
			status:    status.RunStatus,
			execType:  status.ExecType,
		})
	}

	if err := validationErr.errOrNil(); err != nil {
		return changeSetsPlan{}, err
	}
	return plan, nil
}

func nextExecType(cs *ChangeSet, status history.RunStatus, ran *history.RanChangeSet) (history.ExecType, bool) {
	switch status {
	case history.StatusNotRan:
		return history.ExecTypeExecuted, true
	case history.StatusRunAgain:
		return history.ExecTypeReran, true
	case history.StatusAlreadyRan:
		// упавший с WithContinueOnError набор повторяется при следующем запуске
		if cs.runAlways || ran != nil && ran.ExecType == history.ExecTypeFailed {
			return history.ExecTypeReran, true
		}
	}
	return "", false
}

type rollbackPlanner struct {
	manager *MigrationManager
	history history.Service
}

// PlanCount откатывает count последних выполненных наборов.
func (p *rollbackPlanner) PlanCount(ctx context.Context, count int) (changeSetsPlan, error) {
	if count < 0 {
		return changeSetsPlan{}, errors.NotValidf("rollback count %d", count)
	}

	ranChangeSets, err := p.history.RanChangeSets(ctx)
	if err != nil {
		return changeSetsPlan{}, err
	}

	from := len(ranChangeSets) - count
	if from < 0 {
		from = 0
	}
	return p.makePlan(ranChangeSets[from:])
}

// PlanToTag откатывает все наборы, выполненные после набора с тегом tag. Сам помеченный набор остается.
func (p *rollbackPlanner) PlanToTag(ctx context.Context, tag string) (changeSetsPlan, error) {
	ranChangeSets, err := p.history.RanChangeSets(ctx)
	if err != nil {
		return changeSetsPlan{}, err
	}

	tagged := -1
	for i := range ranChangeSets {
		if ranChangeSets[i].Tag == tag {
			tagged = i
		}
	}
	if tagged < 0 {
		return changeSetsPlan{}, errors.NotFoundf("tag %q", tag)
	}
	return p.makePlan(ranChangeSets[tagged+1:])
}

// makePlan проверяет все откатываемые наборы заранее, чтобы не остановиться на середине.
func (p *rollbackPlanner) makePlan(ranChangeSets []history.RanChangeSet) (changeSetsPlan, error) {
	var validationErr ValidationError
	plan := newChangeSetsPlan()

	for i := len(ranChangeSets) - 1; i >= 0; i-- {
		ran := ranChangeSets[i]
		planned := plannedChangeSet{ran: &ran}

		switch {
		case ran.Key.IsInternal():
		case ran.ExecType == history.ExecTypeMarkRan || ran.ExecType == history.ExecTypeFailed:
			// набор не выполнялся целиком, удаляется только запись истории
			p.manager.logger.Debug("Change set was not fully executed, removing history row only",
				zap.Stringer("changeSet", ran.Key), zap.String("execType", string(ran.ExecType)))
		default:
			cs, ok := p.manager.changeLog.byKey[ran.Key]
			if !ok {
				validationErr.add(errors.NotFoundf("change set %s in change log", ran.Key))
				continue
			}
			if !cs.HasRollback() {
				validationErr.add(errors.NotSupportedf("rollback of change set %s", ran.Key))
				continue
			}
			planned.changeSet = cs
		}

		plan.changeSetsToRun.PushBack(planned)
	}

	if err := validationErr.errOrNil(); err != nil {
		return changeSetsPlan{}, err
	}
	return plan, nil
}

// ranEntry строка истории, для которой нет зарегистрированного набора изменений.
type ranEntry struct {
	ran history.RanChangeSet
}

func (e ranEntry) Key() history.Key             { return e.ran.Key }
func (e ranEntry) CheckSum() *checksum.CheckSum { return e.ran.LastCheckSum }
func (ranEntry) ShouldRunOnChange() bool        { return false }
func (e ranEntry) Description() string          { return e.ran.Description }
func (e ranEntry) Comments() string             { return e.ran.Comments }
func (e ranEntry) Contexts() []string           { return splitList(e.ran.Contexts) }
func (e ranEntry) Labels() []string             { return splitList(e.ran.Labels) }
func (ranEntry) Dbms() []string                 { return nil }

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
