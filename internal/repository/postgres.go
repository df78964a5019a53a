// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/escrow-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPaymentExists возвращается при попытке создать платёж с уже существующим идентификатором сессии.
var (
	ErrPaymentExists = errors.New("payment already exists")
	// ErrPaymentNotFound возвращается, если платёж по идентификатору сессии не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrContractNotFound возвращается, если контракт не найден.
	ErrContractNotFound = errors.New("contract not found")
	// ErrMilestoneNotFound возвращается, если веха не найдена.
	ErrMilestoneNotFound = errors.New("milestone not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks:
		// согласующие записи по одной сессии идут параллельно с вебхуком.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePayment создаёт платёж в статусе pending, привязанный к сессии оплаты шлюза.
func (r *PostgresRepository) CreatePayment(ctx context.Context, contractID int64, sessionID string, amountTotal, platformFee int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (contract_id, session_id, amount_total, platform_fee, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		contractID, sessionID, amountTotal, platformFee, string(model.PaymentStatusPending),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrPaymentExists, sessionID)
		}
		return 0, fmt.Errorf("create payment: %w", err)
	}
	return id, nil
}

// GetPaymentBySessionID возвращает платёж по идентификатору сессии оплаты.
func (r *PostgresRepository) GetPaymentBySessionID(ctx context.Context, sessionID string) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, contract_id, session_id, amount_total, platform_fee, status,
		        COALESCE(payment_intent_id, ''), created_at, completed_at
		 FROM payments WHERE session_id = $1`,
		sessionID,
	)

	var p model.Payment
	var status string
	err := row.Scan(&p.ID, &p.ContractID, &p.SessionID, &p.AmountTotal, &p.PlatformFee,
		&status, &p.PaymentIntentID, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.Status = model.PaymentStatus(status)

	return &p, nil
}

// CompletePayment переводит платёж pending -> completed и сохраняет идентификатор
// платёжного намерения шлюза. Возвращает false, если платёж уже обработан.
func (r *PostgresRepository) CompletePayment(ctx context.Context, sessionID, paymentIntentID string, completedAt time.Time) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE payments
			 SET status = $2, payment_intent_id = $3, completed_at = $4
			 WHERE session_id = $1 AND status = $5`,
			sessionID, string(model.PaymentStatusCompleted), paymentIntentID, completedAt,
			string(model.PaymentStatusPending),
		)
		if err != nil {
			return fmt.Errorf("complete payment: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ExpirePayment переводит платёж pending -> expired. Возвращает false, если платёж уже обработан.
func (r *PostgresRepository) ExpirePayment(ctx context.Context, sessionID string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE session_id = $1 AND status = $3`,
		sessionID, string(model.PaymentStatusExpired), string(model.PaymentStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("expire payment: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// GetContractByID возвращает контракт по идентификатору.
func (r *PostgresRepository) GetContractByID(ctx context.Context, id int64) (*model.Contract, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, company_id, student_id, application_id, total_amount, status, terms_status, funded_at
		 FROM contracts WHERE id = $1`,
		id,
	)

	var c model.Contract
	var status, termsStatus string
	err := row.Scan(&c.ID, &c.CompanyID, &c.StudentID, &c.ApplicationID, &c.TotalAmount,
		&status, &termsStatus, &c.FundedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("get contract: %w", err)
	}
	c.Status = model.ContractStatus(status)
	c.TermsStatus = model.TermsStatus(termsStatus)

	return &c, nil
}

// ActivateContract переводит контракт {awaiting_funding, draft} -> active и ставит funded_at.
// Уже активный контракт не изменяется, поэтому повторное применение события безопасно.
func (r *PostgresRepository) ActivateContract(ctx context.Context, id int64, fundedAt time.Time) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE contracts
			 SET status = $2, funded_at = $3
			 WHERE id = $1 AND status IN ($4, $5)`,
			id, string(model.ContractStatusActive), fundedAt,
			string(model.ContractStatusAwaitingFunding), string(model.ContractStatusDraft),
		)
		if err != nil {
			return fmt.Errorf("activate contract: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetMilestoneByID возвращает веху по идентификатору.
func (r *PostgresRepository) GetMilestoneByID(ctx context.Context, id int64) (*model.Milestone, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, contract_id, title, amount, status, delivered_at FROM milestones WHERE id = $1`,
		id,
	)

	var m model.Milestone
	var status string
	err := row.Scan(&m.ID, &m.ContractID, &m.Title, &m.Amount, &status, &m.DeliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMilestoneNotFound
		}
		return nil, fmt.Errorf("get milestone: %w", err)
	}
	m.Status = model.MilestoneStatus(status)

	return &m, nil
}

// ListAwaitingMilestoneIDs возвращает идентификаторы вех контракта, ожидающих оплаты.
func (r *PostgresRepository) ListAwaitingMilestoneIDs(ctx context.Context, contractID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM milestones
		 WHERE contract_id = $1 AND status = $2
		 ORDER BY id`,
		contractID, string(model.MilestoneStatusAwaitingFunding),
	)
	if err != nil {
		return nil, fmt.Errorf("select milestone ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan milestone id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// FundMilestones переводит указанные вехи контракта awaiting_funding -> funded.
func (r *PostgresRepository) FundMilestones(ctx context.Context, contractID int64, ids []int64) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE milestones
			 SET status = $3
			 WHERE contract_id = $1 AND id = ANY($2) AND status = $4`,
			contractID, ids, string(model.MilestoneStatusFunded),
			string(model.MilestoneStatusAwaitingFunding),
		)
		if err != nil {
			return fmt.Errorf("fund milestones: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// FundAllMilestones переводит все вехи контракта awaiting_funding -> funded.
// Запасной путь на случай потери списка вех в метаданных сессии.
func (r *PostgresRepository) FundAllMilestones(ctx context.Context, contractID int64) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE milestones
			 SET status = $2
			 WHERE contract_id = $1 AND status = $3`,
			contractID, string(model.MilestoneStatusFunded),
			string(model.MilestoneStatusAwaitingFunding),
		)
		if err != nil {
			return fmt.Errorf("fund all milestones: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// DeliverMilestone переводит веху funded -> delivered и ставит delivered_at.
func (r *PostgresRepository) DeliverMilestone(ctx context.Context, id int64, deliveredAt time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones
		 SET status = $2, delivered_at = $3
		 WHERE id = $1 AND status = $4`,
		id, string(model.MilestoneStatusDelivered), deliveredAt,
		string(model.MilestoneStatusFunded),
	)
	if err != nil {
		return false, fmt.Errorf("deliver milestone: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// AcceptMilestone переводит веху delivered -> accepted.
func (r *PostgresRepository) AcceptMilestone(ctx context.Context, id int64) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones
		 SET status = $2
		 WHERE id = $1 AND status = $3`,
		id, string(model.MilestoneStatusAccepted), string(model.MilestoneStatusDelivered),
	)
	if err != nil {
		return false, fmt.Errorf("accept milestone: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// AcceptOverdueMilestones принимает доставленные вехи, просроченные раньше cutoff.
// Объём работы за один проход ограничен limit.
func (r *PostgresRepository) AcceptOverdueMilestones(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones
		 SET status = $3
		 WHERE id IN (
		     SELECT id FROM milestones
		     WHERE status = $1 AND delivered_at < $2
		     ORDER BY delivered_at
		     LIMIT $4
		 )`,
		string(model.MilestoneStatusDelivered), cutoff,
		string(model.MilestoneStatusAccepted), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("accept overdue milestones: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// StartApplication переводит отклик accepted -> in_progress вместе с зеркальным realization_status.
func (r *PostgresRepository) StartApplication(ctx context.Context, id int64) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE applications
			 SET status = $2, realization_status = $2
			 WHERE id = $1 AND status = $3`,
			id, string(model.ApplicationStatusInProgress), string(model.ApplicationStatusAccepted),
		)
		if err != nil {
			return fmt.Errorf("start application: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RepairCompletedApplications доводит отклики завершённых контрактов до completed.
func (r *PostgresRepository) RepairCompletedApplications(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE applications AS a
		 SET status = $1, realization_status = $1
		 FROM contracts AS c
		 WHERE c.application_id = a.id
		   AND c.status = $2
		   AND a.status IN ($3, $4)`,
		string(model.ApplicationStatusCompleted),
		string(model.ContractStatusCompleted),
		string(model.ApplicationStatusAccepted), string(model.ApplicationStatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("repair completed applications: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// RepairActiveApplications доводит отклики активных контрактов до in_progress.
func (r *PostgresRepository) RepairActiveApplications(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE applications AS a
		 SET status = $1, realization_status = $1
		 FROM contracts AS c
		 WHERE c.application_id = a.id
		   AND c.status = $2
		   AND a.status = $3`,
		string(model.ApplicationStatusInProgress),
		string(model.ContractStatusActive),
		string(model.ApplicationStatusAccepted),
	)
	if err != nil {
		return 0, fmt.Errorf("repair active applications: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// RepairInProgressOffers доводит офферы с откликами в работе до in_progress.
func (r *PostgresRepository) RepairInProgressOffers(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE offers AS o
		 SET status = $1
		 FROM applications AS a
		 WHERE a.offer_id = o.id
		   AND a.status IN ($2, $3)
		   AND o.status = $4`,
		string(model.OfferStatusInProgress),
		string(model.ApplicationStatusAccepted), string(model.ApplicationStatusInProgress),
		string(model.OfferStatusPublished),
	)
	if err != nil {
		return 0, fmt.Errorf("repair in-progress offers: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// RepairClosedOffers закрывает офферы, чьи контракты завершены.
func (r *PostgresRepository) RepairClosedOffers(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE offers AS o
		 SET status = $1
		 FROM applications AS a
		 JOIN contracts AS c ON c.application_id = a.id
		 WHERE a.offer_id = o.id
		   AND c.status = $2
		   AND o.status <> $1`,
		string(model.OfferStatusClosed),
		string(model.ContractStatusCompleted),
	)
	if err != nil {
		return 0, fmt.Errorf("repair closed offers: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
