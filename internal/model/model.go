// Package model содержит доменные сущности эскроу-сервиса.
package model

import "time"

// OfferStatus описывает статус оффера компании.
type OfferStatus string

const (
	OfferStatusDraft      OfferStatus = "draft"
	OfferStatusPublished  OfferStatus = "published"
	OfferStatusInProgress OfferStatus = "in_progress"
	OfferStatusClosed     OfferStatus = "closed"
)

// Offer описывает опубликованную компанией единицу работы.
type Offer struct {
	ID        int64
	CompanyID int64
	Title     string
	Status    OfferStatus
}

// ApplicationStatus описывает статус отклика студента на оффер.
type ApplicationStatus string

const (
	ApplicationStatusPending    ApplicationStatus = "pending"
	ApplicationStatusAccepted   ApplicationStatus = "accepted"
	ApplicationStatusInProgress ApplicationStatus = "in_progress"
	ApplicationStatusCompleted  ApplicationStatus = "completed"
	ApplicationStatusRejected   ApplicationStatus = "rejected"
)

// Application описывает отклик студента на оффер.
type Application struct {
	ID                int64
	OfferID           int64
	StudentID         int64
	Status            ApplicationStatus
	RealizationStatus ApplicationStatus
}

// ContractStatus описывает статус эскроу-контракта.
type ContractStatus string

const (
	ContractStatusDraft           ContractStatus = "draft"
	ContractStatusAwaitingFunding ContractStatus = "awaiting_funding"
	ContractStatusActive          ContractStatus = "active"
	ContractStatusCompleted       ContractStatus = "completed"
)

// TermsStatus описывает статус согласования условий контракта.
type TermsStatus string

const (
	TermsStatusPending TermsStatus = "pending"
	TermsStatusAgreed  TermsStatus = "agreed"
)

// Contract описывает эскроу-соглашение между компанией и студентом.
// Суммы хранятся в минорных единицах валюты.
type Contract struct {
	ID            int64
	CompanyID     int64
	StudentID     int64
	ApplicationID *int64
	TotalAmount   int64
	Status        ContractStatus
	TermsStatus   TermsStatus
	FundedAt      *time.Time
}

// MilestoneStatus описывает статус вехи контракта.
type MilestoneStatus string

const (
	MilestoneStatusAwaitingFunding MilestoneStatus = "awaiting_funding"
	MilestoneStatusFunded          MilestoneStatus = "funded"
	MilestoneStatusDelivered       MilestoneStatus = "delivered"
	MilestoneStatusAccepted        MilestoneStatus = "accepted"
	MilestoneStatusRejected        MilestoneStatus = "rejected"
)

// Milestone описывает оплачиваемую веху контракта.
type Milestone struct {
	ID          int64
	ContractID  int64
	Title       string
	Amount      int64
	Status      MilestoneStatus
	DeliveredAt *time.Time
}

// PaymentStatus описывает статус попытки оплаты контракта.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusExpired   PaymentStatus = "expired"
)

// Payment описывает одну попытку пополнения эскроу по контракту.
// SessionID — уникальный идентификатор сессии оплаты во внешнем шлюзе.
type Payment struct {
	ID              int64
	ContractID      int64
	SessionID       string
	AmountTotal     int64
	PlatformFee     int64
	Status          PaymentStatus
	PaymentIntentID string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Principal описывает инициатора операции: аутентифицированного пользователя
// либо системный вызов (вебхук, плановая сверка), которому проверка прав не нужна.
type Principal struct {
	UserID int64
	System bool
}

// UserPrincipal возвращает принципала аутентифицированного пользователя.
func UserPrincipal(userID int64) Principal {
	return Principal{UserID: userID}
}

// SystemPrincipal возвращает системного принципала с правом обхода авторизации.
func SystemPrincipal() Principal {
	return Principal{System: true}
}
