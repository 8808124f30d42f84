package gm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/bus"
	"github.com/khozyainov/andy/internal/memory"
	"github.com/khozyainov/andy/internal/metrics"
)

// minRoundGap paces a GM with nothing below it: its rounds complete the
// moment they initialize, so back-to-back completions yield through the
// mailbox with this delay.
const minRoundGap = 10 * time.Millisecond

// Tunables are the environment-driven cognition constants.
type Tunables struct {
	MaxCarryOvers    int
	ForgetRoundAfter time.Duration
}

// Options carries the engine's graph position and injectable collaborators.
type Options struct {
	SuperGMs []string
	SubGMs   []string

	// Rand is the selection randomness source. Nil gets a time-seeded one;
	// tests inject a fixed seed.
	Rand *rand.Rand

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Engine is one generative model: an actor that cycles through rounds,
// predicting, comparing, believing, and acting. All state is owned by the
// single Run goroutine; event handling is strictly sequential.
type Engine struct {
	def      *Def
	b        *bus.Bus
	mem      memory.Store
	met      *metrics.Metrics
	tun      Tunables
	superGMs map[string]bool
	subGMs   []string
	rng      *rand.Rand
	now      func() time.Time
	logger   zerolog.Logger

	mu           sync.Mutex
	rounds       []*Round // newest first; rounds[0] is current
	activations  []Activation
	precision    map[string]float64
	efficacies   map[string][]*Efficacy
	coaIndices   map[string]int
	completing   bool
	timer        *time.Timer
	timerRunning bool
}

// NewEngine builds an engine from a validated definition.
func NewEngine(def *Def, b *bus.Bus, mem memory.Store, met *metrics.Metrics, tun Tunables, opts Options, logger zerolog.Logger) (*Engine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if tun.MaxCarryOvers <= 0 {
		tun.MaxCarryOvers = 3
	}
	if tun.ForgetRoundAfter <= 0 {
		tun.ForgetRoundAfter = 60 * time.Second
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	supers := make(map[string]bool, len(opts.SuperGMs))
	for _, s := range opts.SuperGMs {
		supers[s] = true
	}
	return &Engine{
		def:        def,
		b:          b,
		mem:        mem,
		met:        met,
		tun:        tun,
		superGMs:   supers,
		subGMs:     append([]string(nil), opts.SubGMs...),
		rng:        rng,
		now:        now,
		logger:     logger.With().Str("gm", def.Name).Logger(),
		precision:  make(map[string]float64),
		efficacies: make(map[string][]*Efficacy),
		coaIndices: make(map[string]int),
	}, nil
}

// Name returns the GM name.
func (e *Engine) Name() string { return e.def.Name }

// Run restores persisted learning state, starts the first round, and handles
// bus events until shutdown or ctx cancellation. Learning state is persisted
// on the way out.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("gm %s: restore: %w", e.def.Name, err)
	}

	sub := e.b.Subscribe(e.def.Name,
		bus.KindPrediction,
		bus.KindPredictionError,
		bus.KindRoundCompleted,
		bus.KindRoundTimedOut,
		bus.KindShutdown,
	)
	defer sub.Cancel()

	e.mu.Lock()
	e.startFirstRound()
	e.mu.Unlock()

	e.logger.Info().
		Int("conjectures", len(e.def.Conjectures)).
		Strs("sub_gms", e.subGMs).
		Bool("hyper_prior", e.def.HyperPrior).
		Msg("gm started")

	for {
		select {
		case <-ctx.Done():
			e.persist(context.Background())
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				e.persist(context.Background())
				return nil
			}
			if ev.Kind == bus.KindShutdown {
				e.persist(context.Background())
				e.logger.Info().Msg("gm shut down")
				return nil
			}
			e.handle(ev)
		}
	}
}

// handle dispatches one event. Sequential: the state after event n is the
// input to event n+1.
func (e *Engine) handle(ev bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case bus.KindPrediction:
		if p, ok := ev.Payload.(*Prediction); ok {
			e.handlePrediction(p)
		}
	case bus.KindPredictionError:
		if pe, ok := ev.Payload.(*PredictionError); ok {
			e.handlePredictionError(pe)
		}
	case bus.KindRoundCompleted:
		if rc, ok := ev.Payload.(bus.RoundCompleted); ok {
			e.handleSubCompleted(rc.GM)
		}
	case bus.KindRoundTimedOut:
		if rt, ok := ev.Payload.(bus.RoundTimedOut); ok {
			e.handleTimeout(rt)
		}
	}
}

func (e *Engine) current() *Round { return e.rounds[0] }

// startFirstRound allocates round 0 and runs initialization.
func (e *Engine) startFirstRound() {
	e.rounds = []*Round{newRound(0, e.now())}
	e.initialize(nil)
}

// initialize runs phase A of the round lifecycle.
func (e *Engine) initialize(prev *Round) {
	cur := e.current()

	if prev != nil {
		// Carry over perceptions still fresh enough, beliefs verbatim.
		for _, p := range prev.Perceptions {
			if p.CarryOverCount()+1 > e.tun.MaxCarryOvers {
				continue
			}
			cur.setPerception(p.carried())
		}
		cur.Beliefs = append([]Belief(nil), prev.Beliefs...)
	} else {
		e.seedPriors(cur)
	}

	// Keep unachieved goal activations; hyper-priors activate all
	// conjectures afresh.
	kept := make([]Activation, 0, len(e.activations))
	for _, a := range e.activations {
		if a.IsGoal() && !goalAchieved(a, cur.Beliefs) {
			kept = append(kept, a)
		}
	}
	if e.def.HyperPrior {
		for _, c := range e.def.Conjectures {
			kept = append(kept, c.Activator(c, e.rounds, "")...)
		}
	}
	e.activations = rationalize(kept, e.def.Contradictions, e.rng)

	e.pruneExcluded(cur)

	n := e.generatePredictions(cur)

	// With nothing below to wait for, the round is done as soon as it is
	// initialized. A completion already on the stack yields through the
	// mailbox instead of recursing, with a small gap to keep a childless GM
	// from spinning hot.
	if len(e.subGMs) == 0 {
		if e.completing {
			e.b.NotifyAfter(bus.Event{
				Kind:    bus.KindRoundTimedOut,
				Source:  e.def.Name,
				Payload: bus.RoundTimedOut{GM: e.def.Name, RoundID: cur.ID},
			}, minRoundGap)
			return
		}
		e.complete(cur, "immediate")
		return
	}
	if n > 0 {
		e.startTimer(cur)
	}
}

// seedPriors turns the definition's priors into initial beliefs, each about
// its own conjecture.
func (e *Engine) seedPriors(cur *Round) {
	for _, c := range e.def.Conjectures {
		vals, ok := e.def.Priors[c.Name]
		if !ok {
			continue
		}
		cur.Beliefs = append(cur.Beliefs, Belief{
			Source:     e.def.Name,
			Conjecture: c.Name,
			About:      c.Name,
			Values:     vals.Clone(),
		})
	}
}

func goalAchieved(a Activation, beliefs []Belief) bool {
	for _, b := range beliefs {
		if b.Subject() == a.Subject() {
			return b.Values != nil && a.Goal(b.Values)
		}
	}
	return false
}

// pruneExcluded drops perceptions and beliefs whose conjecture is mutually
// exclusive with a current activation.
func (e *Engine) pruneExcluded(cur *Round) {
	keptP := cur.Perceptions[:0]
	for _, p := range cur.Perceptions {
		if !excludedByActivations(e.def.Contradictions, e.activations, p.Subject().Conjecture) {
			keptP = append(keptP, p)
		}
	}
	cur.Perceptions = keptP

	keptB := cur.Beliefs[:0]
	for _, b := range cur.Beliefs {
		if !excludedByActivations(e.def.Contradictions, e.activations, b.Conjecture) {
			keptB = append(keptB, b)
		}
	}
	cur.Beliefs = keptB
}

// generatePredictions runs every activation's predictors against retained
// rounds, records and publishes the results, and returns how many predictions
// were produced.
func (e *Engine) generatePredictions(cur *Round) int {
	count := 0
	for _, act := range e.activations {
		conj := e.def.Conjecture(act.Conjecture)
		if conj == nil {
			continue
		}
		for _, predictor := range conj.Predictors {
			p := predictor(act, e.rounds)
			if p == nil {
				continue
			}
			p.Source = e.def.Name
			if p.Conjecture == "" {
				p.Conjecture = act.Conjecture
			}
			if p.About == "" {
				p.About = act.About
			}
			if p.Goal == nil {
				p.Goal = act.Goal
			}
			cur.setPerception(p)
			e.b.Notify(bus.Event{Kind: bus.KindPrediction, Source: e.def.Name, Payload: p})
			e.met.Predictions.WithLabelValues(e.def.Name).Inc()
			count++
		}
	}
	return count
}

// startTimer schedules the round timeout once per round.
func (e *Engine) startTimer(cur *Round) {
	if e.timerRunning {
		return
	}
	e.timerRunning = true
	e.timer = e.b.NotifyAfter(bus.Event{
		Kind:    bus.KindRoundTimedOut,
		Source:  e.def.Name,
		Payload: bus.RoundTimedOut{GM: e.def.Name, RoundID: cur.ID},
	}, e.def.MaxRoundDuration)
}

// handlePrediction processes a prediction received from a super-GM.
func (e *Engine) handlePrediction(p *Prediction) {
	if !e.superGMs[p.Source] || !e.def.HasConjecture(p.Conjecture) {
		// Addressed to some other GM, or our own broadcast echoing back.
		return
	}
	cur := e.current()
	cur.ReceivedPredictions = append(cur.ReceivedPredictions, p)
	e.startTimer(cur)

	// Derive activations for the predicted conjecture, skipping subjects
	// already active, then re-resolve conflicts and re-predict.
	conj := e.def.Conjecture(p.Conjecture)
	existing := make(map[Subject]bool, len(e.activations))
	for _, a := range e.activations {
		existing[a.Subject()] = true
	}
	candidates := append([]Activation(nil), e.activations...)
	for _, a := range conj.Activator(conj, e.rounds, p.About) {
		if !existing[a.Subject()] {
			candidates = append(candidates, a)
		}
	}
	e.activations = rationalize(candidates, e.def.Contradictions, e.rng)
	e.pruneExcluded(cur)
	if n := e.generatePredictions(cur); n > 0 {
		e.startTimer(cur)
	}
}

// handlePredictionError lets an incoming error supersede our own prediction
// for the same subject.
func (e *Engine) handlePredictionError(pe *PredictionError) {
	if pe.Prediction == nil || pe.Prediction.Source != e.def.Name {
		return
	}
	e.current().supersedePrediction(pe)
}

// handleSubCompleted records a sub-GM's report and completes the round when
// everyone still listened to has reported.
func (e *Engine) handleSubCompleted(name string) {
	sub := false
	for _, s := range e.subGMs {
		if s == name {
			sub = true
			break
		}
	}
	if !sub {
		return
	}
	cur := e.current()
	cur.ReportedIn[name] = true
	if e.readyToComplete(cur) {
		e.complete(cur, "reported")
	}
}

// readyToComplete holds when every sub-GM has either reported in or is fully
// ignored (precision weight 0).
func (e *Engine) readyToComplete(cur *Round) bool {
	for _, s := range e.subGMs {
		if cur.ReportedIn[s] {
			continue
		}
		if w, ok := e.precision[s]; ok && w == 0 {
			continue
		}
		return false
	}
	return true
}

// handleTimeout completes the round the timeout names; timeouts for
// already-completed rounds are discarded.
func (e *Engine) handleTimeout(rt bus.RoundTimedOut) {
	if rt.GM != e.def.Name {
		return
	}
	cur := e.current()
	if rt.RoundID != cur.ID {
		e.logger.Debug().Str("round_id", rt.RoundID).Msg("obsolete round timeout discarded")
		return
	}
	e.complete(cur, "timeout")
}

// complete runs phase C atomically: precision weighting, perception
// arbitration, belief determination, error raising, efficacy updates, CoA
// selection and execution, then rolls over to the next round.
func (e *Engine) complete(cur *Round, cause string) {
	e.completing = true
	defer func() { e.completing = false }()
	now := e.now()

	// 1. Fold this round's prediction errors into source trust.
	updatePrecisionWeights(e.precision, cur.Perceptions)
	for source, w := range e.precision {
		e.met.PrecisionWeight.WithLabelValues(e.def.Name, source).Set(w)
	}

	// 2. One perception per subject: highest gain wins.
	cur.Perceptions = dropLeastTrusted(cur.Perceptions, e.precision)

	// 3. Beliefs from valuators, replacing carried-over ones.
	beliefs := make([]Belief, 0, len(e.activations))
	for _, act := range e.activations {
		conj := e.def.Conjecture(act.Conjecture)
		if conj == nil {
			continue
		}
		beliefs = append(beliefs, Belief{
			Source:     e.def.Name,
			Conjecture: act.Conjecture,
			About:      act.About,
			Goal:       act.Goal,
			Values:     conj.Valuator(act, e.rounds),
		})
	}
	cur.Beliefs = beliefs

	// 4. Answer received predictions with errors where beliefs deviate.
	for _, rp := range cur.ReceivedPredictions {
		e.raiseError(rp, cur)
	}

	// 5. Reinforce efficacies from the new beliefs.
	for i := range cur.Beliefs {
		b := &cur.Beliefs[i]
		sat := b.Satisfies()
		for _, eff := range e.efficacies[b.Subject().Key()] {
			updateEfficacyDegree(eff, e.rounds, sat)
		}
	}

	// 6+7. Choose and execute a course of action per activation.
	for _, act := range e.activations {
		e.selectAndExecuteCoA(cur, act)
	}

	// 8. Close out and notify upward.
	cur.CompletedOn = now
	e.b.Notify(bus.Event{
		Kind:    bus.KindRoundCompleted,
		Source:  e.def.Name,
		Payload: bus.RoundCompleted{GM: e.def.Name, RoundID: cur.ID, Index: cur.Index},
	})
	e.met.RoundsCompleted.WithLabelValues(e.def.Name, cause).Inc()
	e.met.RoundDuration.WithLabelValues(e.def.Name).Observe(now.Sub(cur.StartedOn).Seconds())
	e.logger.Debug().
		Int("index", cur.Index).
		Str("cause", cause).
		Int("perceptions", len(cur.Perceptions)).
		Int("beliefs", len(cur.Beliefs)).
		Int("intents", len(cur.Intents)).
		Msg("round completed")

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerRunning = false

	// 9. Forget rounds past the retention window. Newest first: everything
	// from the first obsolete round on is older still.
	cutoff := now.Add(-e.tun.ForgetRoundAfter)
	for i, r := range e.rounds {
		if r.Completed() && !r.CompletedOn.After(cutoff) {
			e.rounds = e.rounds[:i]
			break
		}
	}

	// 10. Next round.
	e.rounds = append([]*Round{newRound(cur.Index+1, e.now())}, e.rounds...)
	e.initialize(cur)
}

// raiseError emits a prediction error for a received prediction the new
// beliefs contradict (or fail to address at all).
func (e *Engine) raiseError(rp *Prediction, cur *Round) {
	b := cur.beliefAbout(rp.Subject())
	if b == nil {
		e.publishError(&PredictionError{
			Prediction: rp,
			Belief: Belief{
				Source:     e.def.Name,
				Conjecture: rp.Conjecture,
				About:      rp.About,
			},
			Size: 1.0,
		})
		return
	}
	size := rp.ErrorSize(b.Values)
	if size > 0 {
		e.publishError(&PredictionError{Prediction: rp, Belief: *b, Size: size})
	}
}

func (e *Engine) publishError(pe *PredictionError) {
	e.b.Notify(bus.Event{Kind: bus.KindPredictionError, Source: e.def.Name, Payload: pe})
	e.met.PredictionErrors.WithLabelValues(e.def.Name).Inc()
}

// selectAndExecuteCoA draws a course of action for the activation from the
// efficacy-weighted distribution over tried shapes plus one untried
// candidate, then realizes its intentions as intents.
func (e *Engine) selectAndExecuteCoA(cur *Round, act Activation) {
	conj := e.def.Conjecture(act.Conjecture)
	if conj == nil || len(conj.IntentionDomain) == 0 {
		return
	}
	b := cur.beliefAbout(act.Subject())
	sat := b != nil && b.Satisfies()
	if act.IsGoal() && sat {
		return // achieved; nothing to pursue
	}
	if !act.IsGoal() && !sat {
		return // not believed; nothing to reinforce
	}

	key := act.Subject().Key()
	var tried []*Efficacy
	for _, eff := range e.efficacies[key] {
		if eff.WhenAlreadySatisfied == sat {
			tried = append(tried, eff)
		}
	}

	candidates := make([]candidateCoA, 0, len(tried)+1)
	var degreeSum float64
	for _, eff := range tried {
		candidates = append(candidates, candidateCoA{names: eff.IntentionNames, degree: eff.Degree})
		degreeSum += eff.Degree
	}

	newNames := enumerateIntentions(e.coaIndices[key], conj.IntentionDomain, e.def.Intentions)
	alreadyTried := false
	for _, eff := range tried {
		if eff.matchesShape(newNames) {
			alreadyTried = true
			break
		}
	}
	if !alreadyTried {
		hypothetical := 1.0
		if len(tried) > 0 {
			hypothetical = degreeSum / float64(len(tried))
		}
		candidates = append(candidates, candidateCoA{names: newNames, degree: hypothetical, isNew: true})
	}

	idx := pickCoA(candidates, e.rng.Float64())
	if idx < 0 {
		return
	}
	chosen := candidates[idx]
	if chosen.isNew {
		e.coaIndices[key]++
		e.efficacies[key] = append(e.efficacies[key], &Efficacy{
			Subject:              act.Subject(),
			IntentionNames:       chosen.names,
			WhenAlreadySatisfied: sat,
			Degree:               0,
		})
	}

	executed := ExecutedCoA{
		CoA:                  CourseOfAction{Activation: act, IntentionNames: chosen.names},
		WhenAlreadySatisfied: sat,
	}
	cur.CoursesOfAction = append(cur.CoursesOfAction, executed)
	e.executeCoA(cur, executed, b)
}

// executeCoA realizes a CoA's intentions. A non-repeatable intention whose
// intent matches one remembered in current or prior rounds is suppressed.
func (e *Engine) executeCoA(cur *Round, coa ExecutedCoA, b *Belief) {
	var values Values
	if b != nil {
		values = b.Values
	}
	for _, name := range coa.CoA.IntentionNames {
		intn := e.def.Intentions[name]
		val, ok := intn.Valuator(values)
		if !ok {
			continue
		}
		intent := &Intent{
			ID:        uuid.NewString(),
			About:     intn.IntentName,
			Value:     val,
			Duration:  intn.Duration,
			CreatedAt: e.now(),
		}
		if !intn.Repeatable && e.intentRemembered(intent) {
			e.met.Intents.WithLabelValues(e.def.Name, "suppressed").Inc()
			e.logger.Debug().Str("about", intent.About).Msg("duplicate intent suppressed")
			continue
		}
		e.b.Notify(bus.Event{Kind: bus.KindIntended, Source: e.def.Name, Payload: intent})
		cur.Intents = append(cur.Intents, intent)
		e.met.Intents.WithLabelValues(e.def.Name, "published").Inc()
	}
}

// intentRemembered reports whether an equal intent was realized in a retained
// round.
func (e *Engine) intentRemembered(intent *Intent) bool {
	for _, r := range e.rounds {
		for _, i := range r.Intents {
			if i.About == intent.About && valueEqual(i.Value, intent.Value) {
				return true
			}
		}
	}
	return false
}

// persistedState is the learning state written to long-term memory.
type persistedState struct {
	Efficacies []Efficacy     `json:"efficacies"`
	CoaIndices map[string]int `json:"coa_indices"`
}

// persist writes efficacies and CoA indices under the GM's own namespace.
func (e *Engine) persist(ctx context.Context) {
	e.mu.Lock()
	state := persistedState{CoaIndices: make(map[string]int, len(e.coaIndices))}
	for k, v := range e.coaIndices {
		state.CoaIndices[k] = v
	}
	for _, effs := range e.efficacies {
		for _, eff := range effs {
			state.Efficacies = append(state.Efficacies, *eff)
		}
	}
	e.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal learning state")
		return
	}
	if err := e.mem.Store(ctx, e.def.Name, "state", raw); err != nil {
		e.logger.Error().Err(err).Msg("persist learning state")
		return
	}
	e.logger.Info().Int("efficacies", len(state.Efficacies)).Msg("learning state persisted")
}

// restore loads the last persisted learning state, if any.
func (e *Engine) restore(ctx context.Context) error {
	raw, ok, err := e.mem.Recall(ctx, e.def.Name, "state")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("corrupt learning state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.efficacies = make(map[string][]*Efficacy, len(state.Efficacies))
	for i := range state.Efficacies {
		eff := state.Efficacies[i]
		e.efficacies[eff.Subject.Key()] = append(e.efficacies[eff.Subject.Key()], &eff)
	}
	e.coaIndices = state.CoaIndices
	if e.coaIndices == nil {
		e.coaIndices = make(map[string]int)
	}
	e.logger.Info().Int("efficacies", len(state.Efficacies)).Msg("learning state restored")
	return nil
}

// Snapshot is a point-in-time view of the engine for introspection.
type Snapshot struct {
	Name             string             `json:"name"`
	HyperPrior       bool               `json:"hyper_prior"`
	RoundIndex       int                `json:"round_index"`
	RoundID          string             `json:"round_id"`
	RoundsRetained   int                `json:"rounds_retained"`
	Activations      []string           `json:"activations"`
	PrecisionWeights map[string]float64 `json:"precision_weights"`
	Efficacies       []Efficacy         `json:"efficacies"`
}

// Snapshot returns a copy of the engine's observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Name:             e.def.Name,
		HyperPrior:       e.def.HyperPrior,
		RoundsRetained:   len(e.rounds),
		PrecisionWeights: make(map[string]float64, len(e.precision)),
	}
	if len(e.rounds) > 0 {
		s.RoundIndex = e.rounds[0].Index
		s.RoundID = e.rounds[0].ID
	}
	for _, a := range e.activations {
		s.Activations = append(s.Activations, a.Subject().String())
	}
	for k, v := range e.precision {
		s.PrecisionWeights[k] = v
	}
	for _, effs := range e.efficacies {
		for _, eff := range effs {
			s.Efficacies = append(s.Efficacies, *eff)
		}
	}
	return s
}
