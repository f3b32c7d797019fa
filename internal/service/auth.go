package service

import "github.com/shaiso/conveyor/internal/domain"

// Действия, проверяемые фасадом.
const (
	ActionRunTrigger    = "run:trigger"
	ActionRunCancel     = "run:cancel"
	ActionRunRead       = "run:read"
	ActionRunReadAll    = "run:read:all"
	ActionWorkflowRead  = "workflow:read"
	ActionWorkflowWrite = "workflow:write"
)

// Authorizer решает, разрешено ли principal действие.
type Authorizer interface {
	Allowed(p domain.Principal, action string) bool
}

// StaticAuthorizer — табличная авторизация: действие -> роли.
//
// Роль "admin" разрешает всё. Принципал без единой подходящей роли
// получает KindUnauthorized до любого обращения к хранилищу.
type StaticAuthorizer struct {
	rules map[string][]string
}

// NewStaticAuthorizer создаёт авторизацию с правилами по умолчанию.
//
// Роли:
//   - admin    — всё
//   - operator — триггер, отмена и чтение любых runs
//   - viewer   — чтение workflows и собственных runs
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{rules: map[string][]string{
		ActionRunTrigger:    {"operator"},
		ActionRunCancel:     {"operator"},
		ActionRunRead:       {"operator", "viewer"},
		ActionRunReadAll:    {"operator"},
		ActionWorkflowRead:  {"operator", "viewer"},
		ActionWorkflowWrite: {},
	}}
}

// Allow добавляет роли к действию.
func (a *StaticAuthorizer) Allow(action string, roles ...string) {
	a.rules[action] = append(a.rules[action], roles...)
}

// Allowed проверяет, есть ли у principal роль для действия.
func (a *StaticAuthorizer) Allowed(p domain.Principal, action string) bool {
	if p.HasRole("admin") {
		return true
	}
	for _, role := range a.rules[action] {
		if p.HasRole(role) {
			return true
		}
	}
	return false
}
