package domain

// Principal — идентичность вызывающего для проверок авторизации.
//
// Ядро не знает, как роли хранятся и вычисляются: фасад потребляет
// capability-проверку (см. service.Authorizer), а Principal лишь
// переносит имя и роли, выданные внешней системой.
type Principal struct {
	// Name — уникальное имя принципала (логин).
	Name string `json:"name"`

	// Roles — роли, назначенные принципалу.
	Roles []string `json:"roles,omitempty"`
}

// HasRole проверяет наличие роли у принципала.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
