package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// SaveAgent implements ports.KnowledgeStore.
func (s *Store) SaveAgent(ctx context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, instructions, risk_tolerance, trading_style, status, discovery_mode, allow_multiple_signals_per_day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, instructions = excluded.instructions,
			risk_tolerance = excluded.risk_tolerance, trading_style = excluded.trading_style,
			status = excluded.status, discovery_mode = excluded.discovery_mode,
			allow_multiple_signals_per_day = excluded.allow_multiple_signals_per_day
	`, a.ID, a.Name, a.Instructions, a.Personality.RiskTolerance, a.Personality.TradingStyle,
		string(a.Status), boolToInt(a.DiscoveryMode), boolToInt(a.AllowMultipleSignalsPerDay), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveAgent: %w", err)
	}
	return nil
}

// GetAgent implements ports.KnowledgeStore.
func (s *Store) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, instructions, risk_tolerance, trading_style, status, discovery_mode, allow_multiple_signals_per_day, created_at
		FROM agents WHERE id = ?
	`, id)
	a, err := scanAgent(row)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("storage.GetAgent: %w", err)
	}
	return a, nil
}

// ListAgents implements ports.KnowledgeStore.
func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, instructions, risk_tolerance, trading_style, status, discovery_mode, allow_multiple_signals_per_day, created_at
		FROM agents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListAgents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListAgents: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(r rowScanner) (domain.Agent, error) {
	var (
		a                            domain.Agent
		riskTolerance, tradingStyle  string
		status                       string
		discoveryMode, allowMultiple int
		createdAt                    time.Time
	)
	if err := r.Scan(&a.ID, &a.Name, &a.Instructions, &riskTolerance, &tradingStyle, &status, &discoveryMode, &allowMultiple, &createdAt); err != nil {
		return domain.Agent{}, err
	}
	a.Personality = domain.Personality{RiskTolerance: riskTolerance, TradingStyle: tradingStyle}
	a.Status = domain.AgentStatus(status)
	a.DiscoveryMode = discoveryMode != 0
	a.AllowMultipleSignalsPerDay = allowMultiple != 0
	a.CreatedAt = createdAt.UTC()
	return a, nil
}

// NextScannerVersionNumber implements ports.KnowledgeStore.
func (s *Store) NextScannerVersionNumber(ctx context.Context, agentID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version_number) FROM scanner_versions WHERE agent_id = ?`, agentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("storage.NextScannerVersionNumber: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// SaveScannerVersion implements ports.KnowledgeStore.
func (s *Store) SaveScannerVersion(ctx context.Context, v domain.ScannerVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scanner_versions (id, agent_id, version_number, name, code, model_tag, generation_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.AgentID, v.VersionNumber, v.Name, v.Code, v.ModelTag, v.GenerationPrompt, v.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveScannerVersion: %w", err)
	}
	return nil
}

// GetScannerVersion implements ports.KnowledgeStore.
func (s *Store) GetScannerVersion(ctx context.Context, id string) (domain.ScannerVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, version_number, name, code, model_tag, generation_prompt, created_at
		FROM scanner_versions WHERE id = ?
	`, id)
	v, err := scanScannerVersion(row)
	if err != nil {
		return domain.ScannerVersion{}, fmt.Errorf("storage.GetScannerVersion: %w", err)
	}
	return v, nil
}

// LatestScannerVersion implements ports.KnowledgeStore.
func (s *Store) LatestScannerVersion(ctx context.Context, agentID string) (domain.ScannerVersion, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, version_number, name, code, model_tag, generation_prompt, created_at
		FROM scanner_versions WHERE agent_id = ? ORDER BY version_number DESC LIMIT 1
	`, agentID)
	v, err := scanScannerVersion(row)
	if err == sql.ErrNoRows {
		return domain.ScannerVersion{}, false, nil
	}
	if err != nil {
		return domain.ScannerVersion{}, false, fmt.Errorf("storage.LatestScannerVersion: %w", err)
	}
	return v, true, nil
}

func scanScannerVersion(r rowScanner) (domain.ScannerVersion, error) {
	var v domain.ScannerVersion
	if err := r.Scan(&v.ID, &v.AgentID, &v.VersionNumber, &v.Name, &v.Code, &v.ModelTag, &v.GenerationPrompt, &v.CreatedAt); err != nil {
		return domain.ScannerVersion{}, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// GetExecutionTemplateByHash implements ports.KnowledgeStore: the
// content-addressed dedup lookup used before inserting a new template.
func (s *Store) GetExecutionTemplateByHash(ctx context.Context, hash string) (domain.ExecutionTemplate, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code_hash, template_name, code FROM execution_templates WHERE code_hash = ?
	`, hash)
	var t domain.ExecutionTemplate
	err := row.Scan(&t.ID, &t.CodeHash, &t.TemplateName, &t.Code)
	if err == sql.ErrNoRows {
		return domain.ExecutionTemplate{}, false, nil
	}
	if err != nil {
		return domain.ExecutionTemplate{}, false, fmt.Errorf("storage.GetExecutionTemplateByHash: %w", err)
	}
	return t, true, nil
}

// SaveExecutionTemplate implements ports.KnowledgeStore. ID and CodeHash are
// always equal (see domain.NewExecutionTemplate), so this is naturally
// idempotent on the unique code_hash index.
func (s *Store) SaveExecutionTemplate(ctx context.Context, t domain.ExecutionTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_templates (id, code_hash, template_name, code)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (code_hash) DO NOTHING
	`, t.ID, t.CodeHash, t.TemplateName, t.Code)
	if err != nil {
		return fmt.Errorf("storage.SaveExecutionTemplate: %w", err)
	}
	return nil
}

// GetExecutionTemplate implements ports.KnowledgeStore.
func (s *Store) GetExecutionTemplate(ctx context.Context, id string) (domain.ExecutionTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, code_hash, template_name, code FROM execution_templates WHERE id = ?`, id)
	var t domain.ExecutionTemplate
	if err := row.Scan(&t.ID, &t.CodeHash, &t.TemplateName, &t.Code); err != nil {
		return domain.ExecutionTemplate{}, fmt.Errorf("storage.GetExecutionTemplate: %w", err)
	}
	return t, nil
}

// backtestPayload is the JSON-serialized overflow of Backtest fields that
// don't merit their own columns (signals, trades, metrics are nested and
// backtest-scoped only, never queried independently).
type backtestPayload struct {
	Signals           []domain.Signal                        `json:"signals"`
	Trades            []domain.Trade                         `json:"trades"`
	Metrics           map[string]domain.TemplateScorecard     `json:"metrics"`
	TickerOutcomes    []domain.TickerOutcome                  `json:"ticker_outcomes"`
	DuplicatesDropped []domain.DuplicateSignalFlag            `json:"duplicates_dropped"`
}

// SaveBacktest implements ports.KnowledgeStore.
func (s *Store) SaveBacktest(ctx context.Context, b domain.Backtest) error {
	tickers, err := json.Marshal(b.Tickers)
	if err != nil {
		return fmt.Errorf("storage.SaveBacktest: marshal tickers: %w", err)
	}
	payload, err := json.Marshal(backtestPayload{
		Signals: b.Signals, Trades: b.Trades, Metrics: b.Metrics,
		TickerOutcomes: b.TickerOutcomes, DuplicatesDropped: b.DuplicatesDropped,
	})
	if err != nil {
		return fmt.Errorf("storage.SaveBacktest: marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtests (id, scanner_version_id, start_date, end_date, tickers, execution_template_id, winner_template, status, failure_reason, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			execution_template_id = excluded.execution_template_id, winner_template = excluded.winner_template,
			status = excluded.status, failure_reason = excluded.failure_reason, payload = excluded.payload
	`, b.ID, b.ScannerVersionID, b.StartDate.UTC(), b.EndDate.UTC(), string(tickers),
		b.ExecutionTemplateID, b.WinnerTemplate, string(b.Status), b.FailureReason, string(payload))
	if err != nil {
		return fmt.Errorf("storage.SaveBacktest: %w", err)
	}
	return nil
}

// GetBacktest implements ports.KnowledgeStore.
func (s *Store) GetBacktest(ctx context.Context, id string) (domain.Backtest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scanner_version_id, start_date, end_date, tickers, execution_template_id, winner_template, status, failure_reason, payload
		FROM backtests WHERE id = ?
	`, id)

	var (
		b              domain.Backtest
		tickersJSON    string
		payloadJSON    string
	)
	if err := row.Scan(&b.ID, &b.ScannerVersionID, &b.StartDate, &b.EndDate, &tickersJSON,
		&b.ExecutionTemplateID, &b.WinnerTemplate, &b.Status, &b.FailureReason, &payloadJSON); err != nil {
		return domain.Backtest{}, fmt.Errorf("storage.GetBacktest: %w", err)
	}
	if err := json.Unmarshal([]byte(tickersJSON), &b.Tickers); err != nil {
		return domain.Backtest{}, fmt.Errorf("storage.GetBacktest: unmarshal tickers: %w", err)
	}
	var p backtestPayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return domain.Backtest{}, fmt.Errorf("storage.GetBacktest: unmarshal payload: %w", err)
	}
	b.Signals, b.Trades, b.Metrics = p.Signals, p.Trades, p.Metrics
	b.TickerOutcomes, b.DuplicatesDropped = p.TickerOutcomes, p.DuplicatesDropped
	b.StartDate, b.EndDate = b.StartDate.UTC(), b.EndDate.UTC()
	return b, nil
}

type iterationPayload struct {
	Analysis       *domain.ExpertAnalysis `json:"analysis,omitempty"`
	Refinements    *domain.Refinements    `json:"refinements,omitempty"`
	FailureReasons []string               `json:"failure_reasons,omitempty"`
}

// SaveIteration implements ports.KnowledgeStore.
func (s *Store) SaveIteration(ctx context.Context, it domain.Iteration) error {
	payload, err := json.Marshal(iterationPayload{Analysis: it.Analysis, Refinements: it.Refinements, FailureReasons: it.FailureReasons})
	if err != nil {
		return fmt.Errorf("storage.SaveIteration: marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iterations (id, agent_id, iteration_number, scanner_version_id, backtest_id, status, trades_executed, signals_found, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, trades_executed = excluded.trades_executed,
			signals_found = excluded.signals_found, payload = excluded.payload
	`, it.ID, it.AgentID, it.IterationNumber, it.ScannerVersionID, it.BacktestID,
		string(it.Status), it.TradesExecuted, it.SignalsFound, string(payload), it.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveIteration: %w", err)
	}
	return nil
}

// GetIteration implements ports.KnowledgeStore.
func (s *Store) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, iteration_number, scanner_version_id, backtest_id, status, trades_executed, signals_found, payload, created_at
		FROM iterations WHERE id = ?
	`, id)
	return scanIteration(row)
}

// IterationsForAgent implements ports.KnowledgeStore.
func (s *Store) IterationsForAgent(ctx context.Context, agentID string) ([]domain.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, iteration_number, scanner_version_id, backtest_id, status, trades_executed, signals_found, payload, created_at
		FROM iterations WHERE agent_id = ? ORDER BY iteration_number ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage.IterationsForAgent: %w", err)
	}
	defer rows.Close()

	var out []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.IterationsForAgent: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanIteration(r rowScanner) (domain.Iteration, error) {
	var (
		it          domain.Iteration
		status      string
		payloadJSON string
	)
	if err := r.Scan(&it.ID, &it.AgentID, &it.IterationNumber, &it.ScannerVersionID, &it.BacktestID,
		&status, &it.TradesExecuted, &it.SignalsFound, &payloadJSON, &it.CreatedAt); err != nil {
		return domain.Iteration{}, err
	}
	it.Status = domain.IterationStatus(status)
	it.CreatedAt = it.CreatedAt.UTC()
	var p iterationPayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return domain.Iteration{}, err
	}
	it.Analysis, it.Refinements, it.FailureReasons = p.Analysis, p.Refinements, p.FailureReasons
	return it, nil
}

// UpsertKnowledge implements ports.KnowledgeStore: re-encountering the same
// domain.KnowledgeIdentity increments times_validated and refreshes
// last_validated instead of inserting a duplicate row (§4.6 step 8).
func (s *Store) UpsertKnowledge(ctx context.Context, k domain.AgentKnowledge) error {
	supporting, err := json.Marshal(k.SupportingData)
	if err != nil {
		return fmt.Errorf("storage.UpsertKnowledge: marshal supporting_data: %w", err)
	}
	identity := k.Identity()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_knowledge (id, agent_id, knowledge_type, pattern_type, insight_text, insight_text_norm, supporting_data, confidence, learned_from_iteration, times_validated, last_validated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (agent_id, knowledge_type, pattern_type, insight_text_norm) DO UPDATE SET
			times_validated = agent_knowledge.times_validated + 1,
			last_validated = excluded.last_validated,
			confidence = excluded.confidence
	`, k.ID, identity.AgentID, string(identity.KnowledgeType), identity.PatternType, k.InsightText,
		identity.InsightText, string(supporting), k.Confidence, k.LearnedFromIteration, k.LastValidated.UTC())
	if err != nil {
		return fmt.Errorf("storage.UpsertKnowledge: %w", err)
	}
	return nil
}

// KnowledgeForAgent implements ports.KnowledgeStore.
func (s *Store) KnowledgeForAgent(ctx context.Context, agentID string) ([]domain.AgentKnowledge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, knowledge_type, pattern_type, insight_text, supporting_data, confidence, learned_from_iteration, times_validated, last_validated
		FROM agent_knowledge WHERE agent_id = ? ORDER BY confidence DESC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage.KnowledgeForAgent: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentKnowledge
	for rows.Next() {
		var (
			k              domain.AgentKnowledge
			knowledgeType  string
			supportingJSON string
		)
		if err := rows.Scan(&k.ID, &k.AgentID, &knowledgeType, &k.PatternType, &k.InsightText, &supportingJSON,
			&k.Confidence, &k.LearnedFromIteration, &k.TimesValidated, &k.LastValidated); err != nil {
			return nil, fmt.Errorf("storage.KnowledgeForAgent: %w", err)
		}
		k.KnowledgeType = domain.KnowledgeType(knowledgeType)
		k.LastValidated = k.LastValidated.UTC()
		if err := json.Unmarshal([]byte(supportingJSON), &k.SupportingData); err != nil {
			return nil, fmt.Errorf("storage.KnowledgeForAgent: unmarshal supporting_data: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteKnowledge implements ports.KnowledgeStore: removes a row once its
// confidence has decayed below the retention floor.
func (s *Store) DeleteKnowledge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_knowledge WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage.DeleteKnowledge: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
