// Package scope — единые правила адресации: ключ отметки выполнения задачи,
// каналы чата и видимость задач. Используется и REST, и realtime, поэтому
// имена каналов всегда совпадают.
package scope

import (
	"strings"

	"github.com/pharmportal/internal/model"
)

type TargetKind int

const (
	TargetBranch TargetKind = iota + 1
	TargetUser
)

// TargetKey — адресат отметки выполнения: аптека (общая отметка для всех её сотрудников)
// или отдельный пользователь без аптеки.
type TargetKey struct {
	Kind  TargetKind
	Value string
}

// userKeyPrefix отделяет ключи пользователей от кодов аптек в Task.Completions.
const userKeyPrefix = "user:"

// String возвращает ключ в Task.Completions: код аптеки как есть, пользователь — "user:<id>".
func (k TargetKey) String() string {
	if k.Kind == TargetUser {
		return userKeyPrefix + k.Value
	}
	return k.Value
}

// ResolveTargetKey: код аптеки принципала, иначе его id.
func ResolveTargetKey(p *model.Principal) TargetKey {
	if code := p.Branch(); code != "" {
		return TargetKey{Kind: TargetBranch, Value: code}
	}
	return TargetKey{Kind: TargetUser, Value: p.ID}
}

func CompanyChannel(company string) string {
	return "company:" + company
}

func PharmacyChannel(company, code string) string {
	return "pharmacy:" + company + ":" + code
}

// ChannelFor возвращает канал для (company, pharmacyCode, scope) или "" если канал не определён
// (pharmacy без кода аптеки).
func ChannelFor(company, code string, s model.Scope) string {
	if s == model.ScopePharmacy {
		if code == "" {
			return ""
		}
		return PharmacyChannel(company, code)
	}
	return CompanyChannel(company)
}

// Channels — каналы, к которым привязывается сессия принципала.
func Channels(p *model.Principal) []string {
	out := []string{CompanyChannel(p.Company)}
	if code := p.Branch(); code != "" {
		out = append(out, PharmacyChannel(p.Company, code))
	}
	return out
}

// ParseScope: "pharmacy" (без учёта регистра) — аптека, всё остальное — компания.
func ParseScope(raw string) model.Scope {
	if strings.EqualFold(strings.TrimSpace(raw), string(model.ScopePharmacy)) {
		return model.ScopePharmacy
	}
	return model.ScopeCompany
}

// LookupScope — строгий разбор для realtime: только "company" или "pharmacy" (без учёта регистра).
func LookupScope(raw string) (model.Scope, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(model.ScopeCompany):
		return model.ScopeCompany, true
	case string(model.ScopePharmacy):
		return model.ScopePharmacy, true
	}
	return "", false
}

// Visible — видна ли задача принципалу в "моих задачах".
func Visible(p *model.Principal, t *model.Task) bool {
	if t.DeletedAt != nil || t.Status == model.TaskStatusArchived {
		return false
	}
	if code := p.Branch(); code != "" && contains(t.PharmacyCodes, code) {
		return true
	}
	return p.ID != "" && contains(t.UserIDs, p.ID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
