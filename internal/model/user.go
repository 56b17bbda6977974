package model

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User — учётная запись портала. Создаётся и редактируется внешним сервисом авторизации,
// портал только читает её (дозаполнение принципала, профиль).
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	Role         Role      `json:"role"`
	Company      string    `json:"company"`
	PharmacyCode *string   `json:"pharmacyCode"`
	Phone        string    `json:"phone"`
	AvatarURL    string    `json:"avatarUrl"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DisplayName возвращает имя для подписи сообщений.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Principal — нормализованная личность запроса. Не хранится, строится из токена
// (с дозаполнением из users).
type Principal struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Role         Role    `json:"role"`
	Company      string  `json:"company"`
	PharmacyCode *string `json:"pharmacyCode"`
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == RoleAdmin }

// Branch возвращает код аптеки или "" если пользователь не привязан к аптеке.
func (p *Principal) Branch() string {
	if p == nil || p.PharmacyCode == nil {
		return ""
	}
	return *p.PharmacyCode
}

// StringPtr возвращает nil для пустой строки.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
