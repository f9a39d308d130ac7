package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classflow/arbiter"
	"classflow/attendance"
	"classflow/classreq"
	"classflow/dispute"
	"classflow/outbox"
	"classflow/payment"
	"classflow/schedule"
	"classflow/test/actors"
	"classflow/test/chaos"
	"classflow/test/infra"
	"classflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestClassflowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("CLASSFLOW_STRESS_PG_DSN") != "":
		dsn = os.Getenv("CLASSFLOW_STRESS_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	logger := zap.NewNop()
	classes := classreq.NewService(pool, nil)
	scheduler := schedule.NewScheduler(pool, classes, logger)
	claims := arbiter.New(classes, scheduler, logger, 2)
	disputeRepo := dispute.NewRepository(pool)
	disputes := dispute.NewService(pool, disputeRepo, logger)
	workflow := attendance.NewWorkflow(pool, attendance.NewRepository(pool), seedData.guardians, disputeRepo, logger)
	payments := payment.NewHandler(pool, classes, scheduler, 2, logger)

	flakyPublish := func(ctx context.Context, topic string, payload []byte) error {
		if rand.Intn(10) == 0 {
			return errors.New("transport flake")
		}
		return nil
	}
	outboxWorker := outbox.NewWorker(pool, flakyPublish, logger)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Generator(ctx2, classes, seedData.studentIDs, stop) })
	for i := 0; i < *flConcurrency; i++ {
		tutorID := seedData.tutorIDs[i%len(seedData.tutorIDs)]
		g.Go(func() error { return actors.Claimer(ctx2, pool, claims, tutorID, stop) })
	}
	g.Go(func() error { return actors.DepositPayer(ctx2, pool, payments, stop) })
	g.Go(func() error { return actors.Reporter(ctx2, pool, workflow, stop) })
	g.Go(func() error { return actors.Confirmer(ctx2, pool, workflow, stop) })
	g.Go(func() error { return actors.Confirmer(ctx2, pool, workflow, stop) })
	for i := 0; i < 2; i++ {
		staffID := seedData.staffIDs[i%len(seedData.staffIDs)]
		g.Go(func() error { return actors.Resolver(ctx2, pool, disputes, staffID, stop) })
	}
	g.Go(func() error { return actors.SweepExpired(ctx2, workflow, 5*time.Second, stop) })
	g.Go(func() error { return actors.OutboxDrainer(ctx2, outboxWorker, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	studentIDs []string
	tutorIDs   []string
	staffIDs   []string
	guardians  guardianDirectory
}

// guardianDirectory reads guardian links straight from the seeded users table.
type guardianDirectory struct {
	pool *pgxpool.Pool
}

func (d guardianDirectory) GuardianOf(ctx context.Context, studentID string) (*string, error) {
	var guardianID *string
	err := d.pool.QueryRow(ctx, `SELECT guardian_id::text FROM users WHERE id = $1`, studentID).Scan(&guardianID)
	if err != nil {
		return nil, err
	}
	return guardianID, nil
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{guardians: guardianDirectory{pool: pool}}

	insertUser := func(role string, guardianID *string) string {
		var id string
		email := fmt.Sprintf("%s%d@example.com", role, rand.Int63())
		if err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, role, guardian_id) VALUES ($1,$2,$3,$4) RETURNING id`,
			email, "Stress "+role, role, guardianID).Scan(&id); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}

	// Half the students carry a guardian so both confirmation paths run.
	for i := 0; i < 6; i++ {
		var guardianID *string
		if i%2 == 0 {
			g := insertUser("parent", nil)
			guardianID = &g
		}
		s.studentIDs = append(s.studentIDs, insertUser("student", guardianID))
	}
	for i := 0; i < 6; i++ {
		s.tutorIDs = append(s.tutorIDs, insertUser("tutor", nil))
	}
	for i := 0; i < 2; i++ {
		s.staffIDs = append(s.staffIDs, insertUser("staff", nil))
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"class_requests", `SELECT id, status, assigned_tutor_id, updated_at FROM class_requests ORDER BY updated_at DESC LIMIT 50`},
		{"class_sessions", `SELECT id, class_id, status, tutor_reported_attendance, unconfirmed, updated_at FROM class_sessions ORDER BY updated_at DESC LIMIT 50`},
		{"class_events", `SELECT id, class_id, type, created_at FROM class_events ORDER BY id DESC LIMIT 50`},
		{"disputes", `SELECT id, session_id, resolution, resolved_at FROM disputes ORDER BY raised_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
