// Package reconciler сводит начальную выборку и поток вставок телеметрии в одно текущее состояние.
package reconciler

import (
	"fmt"
	"strings"

	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Policy определяет, принимать ли входящий снимок при уже известном текущем.
type Policy int

const (
	// PolicyGuard отклоняет снимок, который старше текущего (по времени, затем по id).
	PolicyGuard Policy = iota
	// PolicyAcceptAll принимает любой снимок: последний доставленный побеждает.
	PolicyAcceptAll
)

func (p Policy) String() string {
	switch p {
	case PolicyGuard:
		return "guard"
	case PolicyAcceptAll:
		return "accept-all"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy разбирает имя политики из конфигурации.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "guard":
		return PolicyGuard, nil
	case "accept-all", "accept_all", "last-delivered":
		return PolicyAcceptAll, nil
	default:
		return PolicyGuard, fmt.Errorf("reconciler: unknown policy %q", s)
	}
}

// Reconcile: чистая функция слияния. Возвращает снимок, который должен стать текущим,
// и признак того, что incoming принят.
func Reconcile(current *telemetry.Snapshot, incoming telemetry.Snapshot, policy Policy) (telemetry.Snapshot, bool) {
	if current == nil {
		return incoming, true
	}
	if policy == PolicyGuard && incoming.Before(*current) {
		return *current, false
	}
	return incoming, true
}
