package history

import "strings"

// Filter отбирает наборы изменений по контекстам запуска и СУБД.
type Filter struct {
	Contexts []string
	Dbms     string
}

func (f Filter) Matches(cs ChangeSet) bool {
	return f.matchesContexts(cs.Contexts()) && f.matchesDbms(cs.Dbms())
}

// Без контекстов запуска выполняются все наборы. Иначе достаточно совпадения одного
// из контекстов набора, "!ctx" совпадает, когда ctx не задан при запуске.
func (f Filter) matchesContexts(contexts []string) bool {
	if len(f.Contexts) == 0 || len(contexts) == 0 {
		return true
	}

	for _, c := range contexts {
		c = strings.ToLower(strings.TrimSpace(c))
		if negated, ok := strings.CutPrefix(c, "!"); ok {
			if !containsFold(f.Contexts, negated) {
				return true
			}
			continue
		}
		if containsFold(f.Contexts, c) {
			return true
		}
	}
	return false
}

func (f Filter) matchesDbms(dbms []string) bool {
	if len(dbms) == 0 || f.Dbms == "" {
		return true
	}

	hasPositive := false
	for _, d := range dbms {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "none":
			return false
		case d == "!"+strings.ToLower(f.Dbms):
			return false
		case strings.HasPrefix(d, "!"):
		default:
			hasPositive = true
		}
	}
	if !hasPositive {
		return true
	}

	for _, d := range dbms {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "all" || d == strings.ToLower(f.Dbms) {
			return true
		}
	}
	return false
}

func containsFold(values []string, value string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), value) {
			return true
		}
	}
	return false
}
