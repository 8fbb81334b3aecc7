// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Запись пула — единица взаимного исключения: каждая операция, которая
// читает и меняет критичные для выплаты поля, сначала блокирует строку
// пула (SELECT ... FOR UPDATE) и выполняется в одной транзакции.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/roscapool/roscapool-system/internal/model"
	"github.com/roscapool/roscapool-system/internal/schedule"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятой почтой.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrPoolNotFound возвращается, если пул не найден.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrMemberNotFound возвращается, если участник пула не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMemberExists возвращается при добавлении участника с уже занятой почтой.
	ErrMemberExists = errors.New("member already exists in pool")
	// ErrPoolFull возвращается, если все позиции ротации заняты.
	ErrPoolFull = errors.New("pool is full")
	// ErrAlreadyContributed возвращается при повторном взносе в текущем раунде.
	ErrAlreadyContributed = errors.New("contribution already recorded for this round")
	// ErrPayoutExists возвращается, если выплата раунда уже завершена или выполняется.
	ErrPayoutExists = errors.New("payout already completed or in progress for this round")
	// ErrInsufficientBalance возвращается, если собранных средств пула не хватает на выплату.
	ErrInsufficientBalance = errors.New("insufficient pool balance")
	// ErrInvalidState возвращается при операции вне требуемого состояния жизненного цикла.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrTransactionNotFound возвращается, если транзакция пула не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
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

// withRetry повторяет fn при конфликтах сериализации, дедлоках и сетевых
// сбоях с экспоненциальной выдержкой.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, email, name string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		email, name, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по адресу почты.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreatePool создаёт пул вместе с участником-создателем на позиции 1.
func (r *PostgresRepository) CreatePool(ctx context.Context, p *model.Pool, creator *model.Member) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pools (id, name, status, contribution_amount, frequency, current_round, total_rounds, next_payout_date, round_payout_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Name, string(p.Status), p.ContributionAmount, string(p.Frequency),
		p.CurrentRound, p.TotalRounds, p.NextPayoutDate, string(p.RoundPayoutStatus),
	)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}

	if err := insertMember(ctx, tx, creator); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func insertMember(ctx context.Context, tx pgx.Tx, m *model.Member) error {
	var userID *int64
	if m.UserID != 0 {
		userID = &m.UserID
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO members (id, pool_id, user_id, email, name, position, role, status, payout_method, payout_handle)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.PoolID, userID, m.Email, m.Name, m.Position, string(m.Role), string(m.Status),
		string(m.PayoutMethod), m.PayoutHandle,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrMemberExists, m.Email)
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// AddMember добавляет участника на следующую свободную позицию ротации.
func (r *PostgresRepository) AddMember(ctx context.Context, poolID uuid.UUID, m *model.Member) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}

		if p.Status != model.PoolStatusActive {
			return fmt.Errorf("%w: pool is completed", ErrInvalidState)
		}

		// Первый взнос замораживает состав: позиции ротации к этому
		// моменту уже определяют получателей и полноту сбора раундов.
		var started bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM round_payments WHERE pool_id = $1)
			     OR EXISTS (SELECT 1 FROM transactions WHERE pool_id = $1 AND type = 'contribution')`,
			poolID,
		).Scan(&started); err != nil {
			return fmt.Errorf("check pool started: %w", err)
		}
		if started {
			return fmt.Errorf("%w: membership is frozen after the first contribution", ErrInvalidState)
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM members WHERE pool_id = $1`, poolID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count members: %w", err)
		}

		if count >= p.TotalRounds {
			return ErrPoolFull
		}

		m.PoolID = poolID
		m.Position = count + 1
		if m.Status == "" {
			m.Status = model.MemberStatusWaiting
		}

		if err := insertMember(ctx, tx, m); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetPool возвращает агрегат пула: сам пул, участников в порядке позиций и
// взносы активного раунда.
func (r *PostgresRepository) GetPool(ctx context.Context, poolID uuid.UUID) (*model.Pool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, poolID)

	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}

	p.Members, err = r.getMembers(ctx, poolID)
	if err != nil {
		return nil, err
	}

	p.RoundPayments, err = r.getRoundPayments(ctx, poolID, p.CurrentRound)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (r *PostgresRepository) getMembers(ctx context.Context, poolID uuid.UUID) ([]model.Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, pool_id, user_id, email, name, position, role, status, payout_received,
		        payout_method, payout_handle, total_contributed, payments_on_time, payments_missed
		 FROM members
		 WHERE pool_id = $1
		 ORDER BY position`,
		poolID,
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var (
			m      model.Member
			userID *int64
			role   string
			status string
			method string
		)
		if err := rows.Scan(&m.ID, &m.PoolID, &userID, &m.Email, &m.Name, &m.Position, &role, &status,
			&m.PayoutReceived, &method, &m.PayoutHandle, &m.TotalContributed, &m.PaymentsOnTime, &m.PaymentsMissed); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if userID != nil {
			m.UserID = *userID
		}
		m.Role = model.MemberRole(role)
		m.Status = model.MemberStatus(status)
		m.PayoutMethod = model.PayoutMethod(method)
		members = append(members, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return members, nil
}

func (r *PostgresRepository) getRoundPayments(ctx context.Context, poolID uuid.UUID, round int) ([]model.RoundPayment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT pool_id, round, member_id, amount, status, method, confirmed_at, verified_at
		 FROM round_payments
		 WHERE pool_id = $1 AND round = $2`,
		poolID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("select round payments: %w", err)
	}
	defer rows.Close()

	var payments []model.RoundPayment
	for rows.Next() {
		var (
			rp     model.RoundPayment
			status string
		)
		if err := rows.Scan(&rp.PoolID, &rp.Round, &rp.MemberID, &rp.Amount, &status, &rp.Method,
			&rp.ConfirmedAt, &rp.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan round payment: %w", err)
		}
		rp.Status = model.RoundPaymentStatus(status)
		payments = append(payments, rp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}

// GetRoundContributions возвращает транзакции-взносы указанного раунда.
func (r *PostgresRepository) GetRoundContributions(ctx context.Context, poolID uuid.UUID, round int) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE pool_id = $1 AND round = $2 AND type = 'contribution'
		 ORDER BY id`,
		poolID, round,
	)
}

// GetTransactionsByPool возвращает историю транзакций пула, новые первыми.
func (r *PostgresRepository) GetTransactionsByPool(ctx context.Context, poolID uuid.UUID) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE pool_id = $1
		 ORDER BY id DESC`,
		poolID,
	)
}

// GetPendingPayouts возвращает выплаты, зависшие в pending дольше указанного
// момента. Используется сверкой со шлюзом.
func (r *PostgresRepository) GetPendingPayouts(ctx context.Context, pendingSince time.Time, limit int) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE type = 'payout' AND status = 'pending' AND date < $1
		 ORDER BY date
		 LIMIT $2`,
		pendingSince, limit,
	)
}

// RecordContribution фиксирует ручной взнос участника за активный раунд.
// Ручные способы оплаты принимаются сразу со статусом admin_verified.
// Второй результат сообщает, собран ли раунд полностью после этого взноса.
func (r *PostgresRepository) RecordContribution(ctx context.Context, poolID uuid.UUID, userID, amountCents int64, method string, now time.Time) (*model.RoundPayment, bool, error) {
	var (
		rp           *model.RoundPayment
		allCollected bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}

		if p.Status != model.PoolStatusActive {
			return fmt.Errorf("%w: pool is completed", ErrInvalidState)
		}

		var memberID uuid.UUID
		err = tx.QueryRow(ctx,
			`SELECT id FROM members WHERE pool_id = $1 AND user_id = $2`,
			poolID, userID,
		).Scan(&memberID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrMemberNotFound
			}
			return fmt.Errorf("find member: %w", err)
		}

		var already bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM round_payments
			     WHERE pool_id = $1 AND round = $2 AND member_id = $3
			       AND status IN ('member_confirmed', 'admin_verified')
			 ) OR EXISTS (
			     SELECT 1 FROM transactions
			     WHERE pool_id = $1 AND round = $2 AND member_id = $3
			       AND type = 'contribution' AND status = 'completed'
			 )`,
			poolID, p.CurrentRound, memberID,
		).Scan(&already)
		if err != nil {
			return fmt.Errorf("check existing contribution: %w", err)
		}
		if already {
			return ErrAlreadyContributed
		}

		// Замещает возможную запись excused за этот раунд.
		_, err = tx.Exec(ctx,
			`INSERT INTO round_payments (pool_id, round, member_id, amount, status, method, confirmed_at, verified_at)
			 VALUES ($1, $2, $3, $4, 'admin_verified', $5, $6, $6)
			 ON CONFLICT (pool_id, round, member_id) DO UPDATE
			 SET amount = EXCLUDED.amount, status = EXCLUDED.status, method = EXCLUDED.method,
			     confirmed_at = EXCLUDED.confirmed_at, verified_at = EXCLUDED.verified_at`,
			poolID, p.CurrentRound, memberID, amountCents, method, now,
		)
		if err != nil {
			return fmt.Errorf("insert round payment: %w", err)
		}

		onTime := 0
		if !now.After(p.NextPayoutDate) {
			onTime = 1
		}
		_, err = tx.Exec(ctx,
			`UPDATE members
			 SET total_contributed = total_contributed + $3, payments_on_time = payments_on_time + $4
			 WHERE pool_id = $1 AND id = $2`,
			poolID, memberID, amountCents, onTime,
		)
		if err != nil {
			return fmt.Errorf("update member totals: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE pools SET total_amount = total_amount + $2 WHERE id = $1`,
			poolID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("update pool balance: %w", err)
		}

		missing, err := countMissingContributions(ctx, tx, poolID, p.CurrentRound)
		if err != nil {
			return err
		}

		allCollected = missing == 0
		if allCollected && p.RoundPayoutStatus == model.RoundPayoutPendingCollection {
			_, err = tx.Exec(ctx,
				`UPDATE pools SET round_payout_status = 'ready_to_pay' WHERE id = $1`,
				poolID,
			)
			if err != nil {
				return fmt.Errorf("update payout status: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		rp = &model.RoundPayment{
			PoolID:      poolID,
			Round:       p.CurrentRound,
			MemberID:    memberID,
			Amount:      amountCents,
			Status:      model.RoundPaymentAdminVerified,
			Method:      method,
			ConfirmedAt: &now,
			VerifiedAt:  &now,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return rp, allCollected, nil
}

func countMissingContributions(ctx context.Context, tx pgx.Tx, poolID uuid.UUID, round int) (int, error) {
	var missing int
	err := tx.QueryRow(ctx,
		`SELECT count(*)
		 FROM members m
		 WHERE m.pool_id = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM round_payments rp
		       WHERE rp.pool_id = m.pool_id AND rp.round = $2 AND rp.member_id = m.id
		         AND rp.status IN ('admin_verified', 'excused')
		   )
		   AND NOT EXISTS (
		       SELECT 1 FROM transactions t
		       WHERE t.pool_id = m.pool_id AND t.round = $2 AND t.member_id = m.id
		         AND t.type = 'contribution' AND t.status = 'completed'
		   )`,
		poolID, round,
	).Scan(&missing)
	if err != nil {
		return 0, fmt.Errorf("count missing contributions: %w", err)
	}
	return missing, nil
}

// PayoutIntent описывает параметры создаваемой выплаты раунда.
type PayoutIntent struct {
	Round        int
	Early        bool
	Reason       string
	Method       string
	Notes        string
	RequireReady bool
	Now          time.Time
}

// validateIntentAgainstPool перепроверяет под блокировкой предусловия
// выплаты, зависящие только от строки пула: между предварительной проверкой
// в сервисе и захватом блокировки состояние могло измениться.
func validateIntentAgainstPool(p *model.Pool, intent PayoutIntent) error {
	if p.Status != model.PoolStatusActive {
		return fmt.Errorf("%w: pool is completed", ErrInvalidState)
	}
	if intent.Round != p.CurrentRound {
		return fmt.Errorf("%w: round %d is not the active round", ErrInvalidState, intent.Round)
	}
	if intent.Early && !intent.Now.Before(p.NextPayoutDate) {
		return fmt.Errorf("%w: the scheduled payout date has arrived", ErrInvalidState)
	}
	return nil
}

// CreatePayoutIntent атомарно проверяет предусловия выплаты и создаёт
// pending-транзакцию — долговременное намерение до обращения к шлюзу.
// Все проверки выполняются под блокировкой строки пула, поэтому из двух
// конкурентных запросов одного раунда выигрывает ровно один.
func (r *PostgresRepository) CreatePayoutIntent(ctx context.Context, poolID uuid.UUID, intent PayoutIntent) (*model.Transaction, error) {
	var result *model.Transaction

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}

		if err := validateIntentAgainstPool(p, intent); err != nil {
			return err
		}

		var (
			recipientID       uuid.UUID
			recipientName     string
			payoutReceived    bool
			memberCount       int64
			collectedVerified int64
		)
		err = tx.QueryRow(ctx,
			`SELECT id, name, payout_received FROM members WHERE pool_id = $1 AND position = $2`,
			poolID, intent.Round,
		).Scan(&recipientID, &recipientName, &payoutReceived)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: no recipient at position %d", ErrMemberNotFound, intent.Round)
			}
			return fmt.Errorf("find recipient: %w", err)
		}

		if payoutReceived {
			return ErrPayoutExists
		}

		var payoutInFlight bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM transactions
			     WHERE pool_id = $1 AND round = $2 AND type = 'payout' AND status IN ('pending', 'completed')
			 )`,
			poolID, intent.Round,
		).Scan(&payoutInFlight)
		if err != nil {
			return fmt.Errorf("check existing payout: %w", err)
		}
		if payoutInFlight {
			return ErrPayoutExists
		}

		if intent.RequireReady && p.RoundPayoutStatus != model.RoundPayoutReadyToPay {
			return fmt.Errorf("%w: not all contributions have been collected for this round", ErrInvalidState)
		}

		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM members WHERE pool_id = $1`, poolID,
		).Scan(&memberCount)
		if err != nil {
			return fmt.Errorf("count members: %w", err)
		}

		err = tx.QueryRow(ctx,
			`SELECT COALESCE((SELECT SUM(amount) FROM round_payments
			                  WHERE pool_id = $1 AND round = $2 AND status = 'admin_verified'), 0)
			      + COALESCE((SELECT SUM(amount) FROM transactions
			                  WHERE pool_id = $1 AND round = $2 AND type = 'contribution' AND status = 'completed'), 0)`,
			poolID, intent.Round,
		).Scan(&collectedVerified)
		if err != nil {
			return fmt.Errorf("sum collected: %w", err)
		}

		if intent.Early && collectedVerified == 0 {
			return fmt.Errorf("%w: no contributions recorded for this round", ErrInvalidState)
		}

		amount := p.ContributionAmount * memberCount
		if collectedVerified < amount {
			amount = collectedVerified
		}

		if p.TotalAmount < amount {
			return ErrInsufficientBalance
		}

		var txID int64
		err = tx.QueryRow(ctx,
			`UPDATE pools SET tx_seq = tx_seq + 1 WHERE id = $1 RETURNING tx_seq`,
			poolID,
		).Scan(&txID)
		if err != nil {
			return fmt.Errorf("next transaction id: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (pool_id, id, type, amount, round, member_id, member_name, status, date,
			                           scheduled_payout_date, was_early_payout, early_payout_reason, method, notes)
			 VALUES ($1, $2, 'payout', $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11, $12)`,
			poolID, txID, amount, intent.Round, recipientID, recipientName, intent.Now,
			p.NextPayoutDate, intent.Early, intent.Reason, intent.Method, intent.Notes,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrPayoutExists
			}
			return fmt.Errorf("insert payout transaction: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		scheduled := p.NextPayoutDate
		result = &model.Transaction{
			ID:                  txID,
			PoolID:              poolID,
			Type:                model.TransactionTypePayout,
			Amount:              amount,
			Round:               intent.Round,
			MemberID:            recipientID,
			MemberName:          recipientName,
			Status:              model.TransactionStatusPending,
			Date:                intent.Now,
			ScheduledPayoutDate: &scheduled,
			WasEarlyPayout:      intent.Early,
			EarlyPayoutReason:   intent.Reason,
			Method:              intent.Method,
			Notes:               intent.Notes,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ResolvePayout завершает pending-выплату по результату обращения к шлюзу.
// Повторное разрешение с тем же исходом идемпотентно.
func (r *PostgresRepository) ResolvePayout(ctx context.Context, poolID uuid.UUID, txID int64, succeeded bool, paymentRef string, now time.Time) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockPool(ctx, tx, poolID); err != nil {
			return err
		}

		var (
			status   string
			amount   int64
			memberID uuid.UUID
		)
		err = tx.QueryRow(ctx,
			`SELECT status, amount, member_id FROM transactions
			 WHERE pool_id = $1 AND id = $2 AND type = 'payout'`,
			poolID, txID,
		).Scan(&status, &amount, &memberID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("find payout transaction: %w", err)
		}

		if status != string(model.TransactionStatusPending) {
			want := model.TransactionStatusFailed
			if succeeded {
				want = model.TransactionStatusCompleted
			}
			if status == string(want) {
				return nil
			}
			return fmt.Errorf("%w: payout already resolved as %s", ErrInvalidState, status)
		}

		if !succeeded {
			_, err = tx.Exec(ctx,
				`UPDATE transactions SET status = 'failed' WHERE pool_id = $1 AND id = $2`,
				poolID, txID,
			)
			if err != nil {
				return fmt.Errorf("mark payout failed: %w", err)
			}
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE transactions
			 SET status = 'completed', actual_payout_date = $3, payment_ref = $4
			 WHERE pool_id = $1 AND id = $2`,
			poolID, txID, now, paymentRef,
		)
		if err != nil {
			return fmt.Errorf("mark payout completed: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE members SET payout_received = TRUE, status = 'completed'
			 WHERE pool_id = $1 AND id = $2`,
			poolID, memberID,
		)
		if err != nil {
			return fmt.Errorf("update recipient: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE pools SET total_amount = total_amount - $2, round_payout_status = 'paid'
			 WHERE id = $1`,
			poolID, amount,
		)
		if err != nil {
			return fmt.Errorf("update pool after payout: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// AdvanceRound переводит пул к следующему раунду после выплаты текущего.
// Дата следующей выплаты отсчитывается от исходной запланированной даты,
// а не от момента фактической выплаты: ранняя выплата не сдвигает график.
func (r *PostgresRepository) AdvanceRound(ctx context.Context, poolID uuid.UUID) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}

		if p.Status != model.PoolStatusActive {
			return fmt.Errorf("%w: pool is completed", ErrInvalidState)
		}
		if p.RoundPayoutStatus != model.RoundPayoutPaid {
			return fmt.Errorf("%w: current round payout is not completed", ErrInvalidState)
		}

		memberIDs, err := poolMemberIDs(ctx, tx, poolID)
		if err != nil {
			return err
		}
		paid, err := roundPayers(ctx, tx, poolID, p.CurrentRound)
		if err != nil {
			return err
		}
		for _, memberID := range missedMemberIDs(memberIDs, paid) {
			_, err = tx.Exec(ctx,
				`UPDATE members SET payments_missed = payments_missed + 1 WHERE pool_id = $1 AND id = $2`,
				poolID, memberID,
			)
			if err != nil {
				return fmt.Errorf("update missed payments: %w", err)
			}
		}

		next := p.CurrentRound + 1

		if next > p.TotalRounds {
			_, err = tx.Exec(ctx,
				`UPDATE pools SET status = 'completed', current_round = $2 WHERE id = $1`,
				poolID, next,
			)
			if err != nil {
				return fmt.Errorf("complete pool: %w", err)
			}
			return tx.Commit(ctx)
		}

		nextDate := nextRoundDate(p)

		_, err = tx.Exec(ctx,
			`UPDATE pools
			 SET current_round = $2, round_payout_status = 'pending_collection', next_payout_date = $3
			 WHERE id = $1`,
			poolID, next, nextDate,
		)
		if err != nil {
			return fmt.Errorf("advance pool round: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE members SET status = 'waiting' WHERE pool_id = $1 AND status = 'current'`,
			poolID,
		)
		if err != nil {
			return fmt.Errorf("reset current member: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE members SET status = 'current' WHERE pool_id = $1 AND position = $2`,
			poolID, next,
		)
		if err != nil {
			return fmt.Errorf("mark next recipient: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// nextRoundDate возвращает дату выплаты следующего раунда. Отсчёт идёт от
// исходной запланированной даты, а не от момента фактической выплаты:
// ранняя выплата не сдвигает график.
func nextRoundDate(p *model.Pool) time.Time {
	return schedule.NextDate(p.NextPayoutDate, p.Frequency)
}

func poolMemberIDs(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM members WHERE pool_id = $1 ORDER BY position`, poolID)
	if err != nil {
		return nil, fmt.Errorf("select member ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// roundPayers возвращает участников с фактическим платежом за раунд:
// подтверждённый взнос либо завершённая транзакция. Запись excused раунд
// закрывает, но платежом не считается.
func roundPayers(ctx context.Context, tx pgx.Tx, poolID uuid.UUID, round int) (map[uuid.UUID]bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT member_id FROM round_payments
		 WHERE pool_id = $1 AND round = $2 AND status = 'admin_verified'
		 UNION
		 SELECT member_id FROM transactions
		 WHERE pool_id = $1 AND round = $2 AND type = 'contribution' AND status = 'completed'`,
		poolID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("select round payers: %w", err)
	}
	defer rows.Close()

	paid := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan payer id: %w", err)
		}
		paid[id] = true
	}
	return paid, rows.Err()
}

// missedMemberIDs возвращает участников, закрывших раунд без фактического
// платежа; они получают отметку о пропуске при продвижении раунда.
func missedMemberIDs(memberIDs []uuid.UUID, paid map[uuid.UUID]bool) []uuid.UUID {
	var missed []uuid.UUID
	for _, id := range memberIDs {
		if !paid[id] {
			missed = append(missed, id)
		}
	}
	return missed
}

const poolColumns = `id, name, status, contribution_amount, frequency, current_round, total_rounds,
	total_amount, next_payout_date, round_payout_status, tx_seq, created_at`

func lockPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) (*model.Pool, error) {
	row := tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, poolID)

	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("lock pool: %w", err)
	}
	return p, nil
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var (
		p         model.Pool
		status    string
		frequency string
		payout    string
	)
	err := row.Scan(&p.ID, &p.Name, &status, &p.ContributionAmount, &frequency, &p.CurrentRound,
		&p.TotalRounds, &p.TotalAmount, &p.NextPayoutDate, &payout, &p.TxSeq, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.PoolStatus(status)
	p.Frequency = model.Frequency(frequency)
	p.RoundPayoutStatus = model.RoundPayoutStatus(payout)
	return &p, nil
}

const transactionColumns = `pool_id, id, type, amount, round, member_id, member_name, status, date,
	scheduled_payout_date, actual_payout_date, was_early_payout, early_payout_reason, payment_ref, method, notes`

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t      model.Transaction
			typ    string
			status string
		)
		if err := rows.Scan(&t.PoolID, &t.ID, &typ, &t.Amount, &t.Round, &t.MemberID, &t.MemberName,
			&status, &t.Date, &t.ScheduledPayoutDate, &t.ActualPayoutDate, &t.WasEarlyPayout,
			&t.EarlyPayoutReason, &t.PaymentRef, &t.Method, &t.Notes); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		t.Status = model.TransactionStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
