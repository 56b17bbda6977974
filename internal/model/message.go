package model

import "time"

type Scope string

const (
	ScopeCompany  Scope = "company"
	ScopePharmacy Scope = "pharmacy"
)

// Message — сообщение чата компании или аптеки. Неизменяемо после создания.
// PharmacyCode заполнен только при Scope == pharmacy.
type Message struct {
	ID           string    `json:"id"`
	Company      string    `json:"company"`
	PharmacyCode *string   `json:"pharmacyCode"`
	Scope        Scope     `json:"scope"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MessageFilter — выборка истории одного канала.
type MessageFilter struct {
	Company      string
	Scope        Scope
	PharmacyCode string
}
