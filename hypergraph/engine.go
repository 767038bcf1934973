package hypergraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	conduit "github.com/forgeworks/conduit"
)

// defaultMaxSteps bounds a session's subquery loop.
const defaultMaxSteps = 6

// retrieveLimit and similarityFloor parameterize the Knowledge Query
// Adapter call inside the retrieve step.
const (
	retrieveLimit   = 5
	similarityFloor = 0.4
)

// maxSourceChunks bounds how many retrieved chunks response synthesis
// concatenates into its final prompt.
const maxSourceChunks = 20

// zeroTemp pins the engine's structured-output calls (sufficiency check,
// concern-raising, subquery/evolve/merge generation) to temperature 0:
// these are classification/extraction passes, not creative ones.
var zeroTemp = 0.0

// KnowledgeSearcher is the evidence-gathering interface the engine's
// retrieve step calls — the Knowledge Query Adapter's full-fidelity
// entry point.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, opts conduit.SearchOptions) ([]conduit.KnowledgeResult, error)
}

// Engine drives one or more Hypergraph Memory Engine sessions to
// completion: sufficiency check, subquery generation, retrieval,
// evolution, merge, repeated until the memory suffices or the step
// budget is exhausted, then response synthesis.
type Engine struct {
	sessions  *SessionStore
	provider  conduit.Provider
	knowledge KnowledgeSearcher

	memory conduit.MemoryStore
	embed  conduit.EmbeddingProvider
}

// New wires an Engine over a session store, LLM provider, and the
// Knowledge Query Adapter.
func New(sessions *SessionStore, provider conduit.Provider, knowledge KnowledgeSearcher) *Engine {
	return &Engine{sessions: sessions, provider: provider, knowledge: knowledge}
}

// WithMemory installs the optional cross-session fact cache. Response
// synthesis seeds its prompt from prior sessions' facts, and a completed
// session writes its hyperedge descriptions back as facts. Both sides
// need embeddings, so a nil embed disables the cache entirely.
func (e *Engine) WithMemory(memory conduit.MemoryStore, embed conduit.EmbeddingProvider) *Engine {
	e.memory = memory
	e.embed = embed
	return e
}

// StartSession creates a new session targeting query and persists it.
func (e *Engine) StartSession(ctx context.Context, id, query, project string) (conduit.Session, error) {
	sess := conduit.Session{
		ID:       id,
		Query:    query,
		Project:  project,
		MaxSteps: defaultMaxSteps,
		State:    conduit.SessionActive,
		Memory:   conduit.HypergraphMemory{},
		CreatedAt: conduit.NowUnix(),
		UpdatedAt: conduit.NowUnix(),
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return conduit.Session{}, err
	}
	return sess, nil
}

// RunToCompletion repeatedly calls Step until the session is no longer
// active, returning the final session state.
func (e *Engine) RunToCompletion(ctx context.Context, sessionID string) (conduit.Session, error) {
	for {
		sess, err := e.Step(ctx, sessionID)
		if err != nil {
			return conduit.Session{}, err
		}
		if sess.State != conduit.SessionActive {
			return sess, nil
		}
	}
}

// Step advances a session by exactly one iteration of the
// retrieval loop: sufficiency check, max-step guard, subquery
// generation, retrieve, evolve, merge. When the step decides the memory
// is sufficient (or the step budget is exhausted), it instead runs
// response synthesis and marks the session completed.
func (e *Engine) Step(ctx context.Context, sessionID string) (conduit.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return conduit.Session{}, err
	}
	if sess.State != conduit.SessionActive {
		return sess, nil
	}

	if sess.Step > 0 {
		sufficient, err := e.checkSufficiency(ctx, sess)
		if err != nil {
			return e.fail(ctx, sessionID, err)
		}
		if sufficient {
			return e.synthesize(ctx, sessionID)
		}
	}

	if sess.Step >= sess.MaxSteps {
		return e.synthesize(ctx, sessionID)
	}

	subqueries, err := e.generateSubqueries(ctx, sess)
	if err != nil {
		return e.fail(ctx, sessionID, err)
	}

	evidence, records := e.retrieve(ctx, sess.Step, subqueries)

	if err := e.evolve(ctx, &sess, evidence); err != nil {
		return e.fail(ctx, sessionID, err)
	}

	if len(sess.Memory.Hyperedges) >= 2 {
		if err := e.merge(ctx, &sess); err != nil {
			return e.fail(ctx, sessionID, err)
		}
	}

	return e.sessions.Mutate(ctx, sessionID, func(s *conduit.Session) {
		s.Memory = sess.Memory
		s.History = append(s.History, records...)
		s.Step++
		s.UpdatedAt = conduit.NowUnix()
	})
}

func (e *Engine) fail(ctx context.Context, sessionID string, cause error) (conduit.Session, error) {
	sess, mErr := e.sessions.Mutate(ctx, sessionID, func(s *conduit.Session) {
		s.State = conduit.SessionFailed
		s.UpdatedAt = conduit.NowUnix()
	})
	if mErr != nil {
		return conduit.Session{}, mErr
	}
	return sess, fmt.Errorf("hypergraph: step failed: %w", cause)
}

// --- Sufficiency check ---

type sufficiencyResult struct {
	Sufficient bool `json:"sufficient"`
}

func (e *Engine) checkSufficiency(ctx context.Context, sess conduit.Session) (bool, error) {
	prompt := fmt.Sprintf(
		"Target query: %s\n\nCurrent memory:\n%s\n\nDoes this memory contain enough information to fully answer the target query? Respond with {\"sufficient\": true|false}.",
		sess.Query, renderMemory(sess.Memory))

	var result sufficiencyResult
	if skip, err := noopOnDecode(e.callJSON(ctx, prompt, &result), "sufficiency"); skip || err != nil {
		return false, err
	}
	return result.Sufficient, nil
}

// --- Subquery generation ---

type concern struct {
	Type              string `json:"type"` // local|global
	Concern           string `json:"concern"`
	TargetHyperedgeID string `json:"target_hyperedge_id,omitempty"`
}

type subqueryPlan struct {
	Query             string `json:"query"`
	Strategy          string `json:"strategy"`
	TargetHyperedgeID string `json:"target_hyperedge_id,omitempty"`
}

func (e *Engine) generateSubqueries(ctx context.Context, sess conduit.Session) ([]subqueryPlan, error) {
	if sess.Step == 0 {
		return []subqueryPlan{{Query: sess.Query, Strategy: "global"}}, nil
	}

	concernsPrompt := fmt.Sprintf(
		"Target query: %s\n\nCurrent memory:\n%s\n\nList concerns about gaps in this memory relative to the target query. "+
			"Respond with {\"concerns\": [{\"type\": \"local|global\", \"concern\": \"...\", \"target_hyperedge_id\": \"...\"}]}.",
		sess.Query, renderMemory(sess.Memory))

	var concernsResult struct {
		Concerns []concern `json:"concerns"`
	}
	if skip, err := noopOnDecode(e.callJSON(ctx, concernsPrompt, &concernsResult), "concerns"); skip || err != nil {
		return nil, err
	}

	subqueriesPrompt := fmt.Sprintf(
		"Target query: %s\n\nConcerns:\n%s\n\nGenerate subqueries to address these concerns. "+
			"Respond with {\"subqueries\": [{\"query\": \"...\", \"strategy\": \"local|global\", \"target_hyperedge_id\": \"...\"}]}.",
		sess.Query, renderConcerns(concernsResult.Concerns))

	var subqueriesResult struct {
		Subqueries []subqueryPlan `json:"subqueries"`
	}
	if skip, err := noopOnDecode(e.callJSON(ctx, subqueriesPrompt, &subqueriesResult), "subqueries"); skip || err != nil {
		return nil, err
	}
	return subqueriesResult.Subqueries, nil
}

// --- Retrieve ---

type evidenceItem struct {
	query   string
	results []conduit.KnowledgeResult
}

func (e *Engine) retrieve(ctx context.Context, step int, subqueries []subqueryPlan) ([]evidenceItem, []conduit.SubqueryRecord) {
	evidence := make([]evidenceItem, 0, len(subqueries))
	records := make([]conduit.SubqueryRecord, 0, len(subqueries))

	for _, sq := range subqueries {
		var results []conduit.KnowledgeResult
		if e.knowledge != nil {
			results, _ = e.knowledge.Search(ctx, sq.Query, conduit.SearchOptions{
				Limit:     retrieveLimit,
				Threshold: similarityFloor,
			})
		}
		evidence = append(evidence, evidenceItem{query: sq.Query, results: results})
		records = append(records, conduit.SubqueryRecord{
			Step:              step,
			Query:             sq.Query,
			Strategy:          sq.Strategy,
			TargetHyperedgeID: sq.TargetHyperedgeID,
		})
	}
	return evidence, records
}

// --- Evolve ---

type hyperedgeUpdate struct {
	HyperedgeID    string `json:"hyperedge_id"`
	NewDescription string `json:"new_description"`
}

type hyperedgeInsertion struct {
	Description string   `json:"description"`
	EntityNames []string `json:"entity_names"`
}

func (e *Engine) evolve(ctx context.Context, sess *conduit.Session, evidence []evidenceItem) error {
	prompt := fmt.Sprintf(
		"Target query: %s\n\nCurrent memory:\n%s\n\nNew evidence:\n%s\n\n"+
			"Propose updates to existing hyperedge descriptions and insertions of new hyperedges covering new entities. "+
			"Respond with {\"updates\": [{\"hyperedge_id\": \"...\", \"new_description\": \"...\"}], "+
			"\"insertions\": [{\"description\": \"...\", \"entity_names\": [\"...\"]}]}.",
		sess.Query, renderMemory(sess.Memory), renderEvidence(evidence))

	var result struct {
		Updates    []hyperedgeUpdate    `json:"updates"`
		Insertions []hyperedgeInsertion `json:"insertions"`
	}
	if skip, err := noopOnDecode(e.callJSON(ctx, prompt, &result), "evolve"); skip || err != nil {
		return err
	}

	for _, u := range result.Updates {
		for i := range sess.Memory.Hyperedges {
			if sess.Memory.Hyperedges[i].ID == u.HyperedgeID {
				sess.Memory.Hyperedges[i].Description = u.NewDescription
				sess.Memory.Hyperedges[i].UpdatedStep = sess.Step
			}
		}
	}

	for _, ins := range result.Insertions {
		vertexIDs := make([]string, 0, len(ins.EntityNames))
		for _, name := range ins.EntityNames {
			vertexIDs = append(vertexIDs, e.resolveVertex(sess, name))
		}
		if len(vertexIDs) < 2 {
			continue
		}
		sess.Memory.Hyperedges = append(sess.Memory.Hyperedges, conduit.Hyperedge{
			ID:          conduit.NewID(),
			VertexIDs:   vertexIDs,
			Description: ins.Description,
			Order:       len(vertexIDs),
			Origin:      conduit.OriginInsertion,
			CreatedStep: sess.Step,
			UpdatedStep: sess.Step,
		})
	}
	return nil
}

// resolveVertex finds an existing vertex by case-folded name match, or
// creates a new one, returning its ID either way.
func (e *Engine) resolveVertex(sess *conduit.Session, name string) string {
	folded := strings.ToLower(strings.TrimSpace(name))
	for _, v := range sess.Memory.Vertices {
		if v.FoldedName == folded {
			return v.ID
		}
	}
	v := conduit.Vertex{
		ID:         conduit.NewID(),
		Name:       name,
		FoldedName: folded,
	}
	sess.Memory.Vertices = append(sess.Memory.Vertices, v)
	return v.ID
}

// --- Merge ---

type hyperedgeMerge struct {
	HyperedgeID1      string `json:"hyperedge_id_1"`
	HyperedgeID2      string `json:"hyperedge_id_2"`
	MergedDescription string `json:"merged_description"`
}

func (e *Engine) merge(ctx context.Context, sess *conduit.Session) error {
	prompt := fmt.Sprintf(
		"Current memory:\n%s\n\nIdentify pairs of hyperedges that describe overlapping or redundant information and should merge. "+
			"Respond with {\"merges\": [{\"hyperedge_id_1\": \"...\", \"hyperedge_id_2\": \"...\", \"merged_description\": \"...\"}]}.",
		renderMemory(sess.Memory))

	var result struct {
		Merges []hyperedgeMerge `json:"merges"`
	}
	if skip, err := noopOnDecode(e.callJSON(ctx, prompt, &result), "merge"); skip || err != nil {
		return err
	}

	for _, m := range result.Merges {
		var e1, e2 *conduit.Hyperedge
		var remaining []conduit.Hyperedge
		for i := range sess.Memory.Hyperedges {
			switch sess.Memory.Hyperedges[i].ID {
			case m.HyperedgeID1:
				e1 = &sess.Memory.Hyperedges[i]
			case m.HyperedgeID2:
				e2 = &sess.Memory.Hyperedges[i]
			default:
				remaining = append(remaining, sess.Memory.Hyperedges[i])
			}
		}
		if e1 == nil || e2 == nil {
			continue
		}
		union := unionVertexIDs(e1.VertexIDs, e2.VertexIDs)
		remaining = append(remaining, conduit.Hyperedge{
			ID:          conduit.NewID(),
			VertexIDs:   union,
			Description: m.MergedDescription,
			Order:       len(union),
			Origin:      conduit.OriginMerge,
			CreatedStep: sess.Step,
			UpdatedStep: sess.Step,
			MergedFrom:  []string{e1.ID, e2.ID},
		})
		sess.Memory.Hyperedges = remaining
	}
	return nil
}

func unionVertexIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// --- Response synthesis ---

func (e *Engine) synthesize(ctx context.Context, sessionID string) (conduit.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return conduit.Session{}, err
	}

	transcript := renderMemory(sess.Memory)
	sources := e.collectSources(ctx, sess.Memory)

	var b strings.Builder
	fmt.Fprintf(&b, "Target query: %s\n\n", sess.Query)
	if prior := e.priorFacts(ctx, sess.Query); prior != "" {
		fmt.Fprintf(&b, "Prior session knowledge:\n%s\n\n", prior)
	}
	fmt.Fprintf(&b, "Memory transcript:\n%s\n\nSource excerpts:\n%s\n\n"+
		"Synthesize a complete, direct answer to the target query using only the above.",
		transcript, sources)

	resp, err := e.provider.Chat(ctx, conduit.ChatRequest{
		Messages: []conduit.ChatMessage{conduit.UserMessage(b.String())},
	})
	if err != nil {
		return e.fail(ctx, sessionID, err)
	}

	e.writeBackFacts(ctx, sess)

	return e.sessions.Mutate(ctx, sessionID, func(s *conduit.Session) {
		s.State = conduit.SessionCompleted
		s.Response = resp.Content
		s.InputTokens += resp.Usage.InputTokens
		s.OutputTokens += resp.Usage.OutputTokens
		s.UpdatedAt = conduit.NowUnix()
	})
}

// priorFacts renders the fact cache's context block for query, or "" when
// no cache is configured or the lookup fails. Failures never block
// synthesis.
func (e *Engine) priorFacts(ctx context.Context, query string) string {
	if e.memory == nil || e.embed == nil {
		return ""
	}
	embs, err := e.embed.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		return ""
	}
	prior, err := e.memory.BuildContext(ctx, embs[0])
	if err != nil {
		return ""
	}
	return prior
}

// writeBackFacts persists each hyperedge description into the
// cross-session fact cache, best-effort.
func (e *Engine) writeBackFacts(ctx context.Context, sess conduit.Session) {
	if e.memory == nil || e.embed == nil || len(sess.Memory.Hyperedges) == 0 {
		return
	}
	texts := make([]string, 0, len(sess.Memory.Hyperedges))
	for _, he := range sess.Memory.Hyperedges {
		texts = append(texts, he.Description)
	}
	embs, err := e.embed.Embed(ctx, texts)
	if err != nil || len(embs) != len(texts) {
		return
	}
	for i, text := range texts {
		if err := e.memory.UpsertFact(ctx, text, sess.Project, embs[i]); err != nil {
			slog.Warn("hypergraph: fact write-back failed", "session", sess.ID, "error", err)
			return
		}
	}
}

// collectSources gathers up to maxSourceChunks knowledge excerpts for
// vertices currently in memory, one retrieval per vertex name.
func (e *Engine) collectSources(ctx context.Context, mem conduit.HypergraphMemory) string {
	if e.knowledge == nil {
		return ""
	}
	var b strings.Builder
	count := 0
	for _, v := range mem.Vertices {
		if count >= maxSourceChunks {
			break
		}
		results, _ := e.knowledge.Search(ctx, v.Name, conduit.SearchOptions{Limit: 1})
		for _, r := range results {
			if count >= maxSourceChunks {
				break
			}
			fmt.Fprintf(&b, "[%s] %s\n", r.Title, r.Content)
			count++
		}
	}
	return b.String()
}

// --- Rendering helpers ---

func renderMemory(mem conduit.HypergraphMemory) string {
	if len(mem.Hyperedges) == 0 {
		return "(empty)"
	}
	names := make(map[string]string, len(mem.Vertices))
	for _, v := range mem.Vertices {
		names[v.ID] = v.Name
	}

	var b strings.Builder
	for _, he := range mem.Hyperedges {
		entities := make([]string, 0, len(he.VertexIDs))
		for _, id := range he.VertexIDs {
			entities = append(entities, names[id])
		}
		fmt.Fprintf(&b, "- [%s] (order %d, created step %d): %s — entities: %s",
			he.ID, he.Order, he.CreatedStep, he.Description, strings.Join(entities, ", "))
		if len(he.MergedFrom) > 0 {
			fmt.Fprintf(&b, " (merged from %s)", strings.Join(he.MergedFrom, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderConcerns(concerns []concern) string {
	var b strings.Builder
	for _, c := range concerns {
		fmt.Fprintf(&b, "- [%s] %s\n", c.Type, c.Concern)
	}
	return b.String()
}

func renderEvidence(evidence []evidenceItem) string {
	var b strings.Builder
	for _, ev := range evidence {
		fmt.Fprintf(&b, "Subquery: %s\n", ev.query)
		for _, r := range ev.results {
			fmt.Fprintf(&b, "  - [%s] %s\n", r.Title, r.Content)
		}
	}
	return b.String()
}

// errDecode marks an LLM response that arrived but didn't parse as JSON.
// A decode failure downgrades that phase to a no-op for the step — the
// loop continues — while transport errors still fail the session.
var errDecode = errors.New("hypergraph: decode response")

// callJSON sends prompt as a single user message at temperature 0 and
// decodes the response content as JSON into out. Decode failures wrap
// errDecode so callers can distinguish them from transport errors.
func (e *Engine) callJSON(ctx context.Context, prompt string, out any) error {
	resp, err := e.provider.Chat(ctx, conduit.ChatRequest{
		Messages:    []conduit.ChatMessage{conduit.UserMessage(prompt)},
		Temperature: &zeroTemp,
	})
	if err != nil {
		return err
	}
	content := extractJSON(resp.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

// noopOnDecode absorbs a decode failure with a warning and reports
// whether the caller should skip its phase this step.
func noopOnDecode(err error, phase string) (skip bool, out error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, errDecode) {
		slog.Warn("hypergraph: unparseable LLM output, skipping phase for this step", "phase", phase, "error", err)
		return true, nil
	}
	return false, err
}

// extractJSON pulls the outermost {...} span out of content, tolerating
// a fenced ```json block the same way the planner does.
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
