// Package scheduler picks the next eligible task to run using a
// multi-factor, weighted score.
package scheduler

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/task"
)

// ResourceUsage is an advisory snapshot of current vs required resources.
// The scheduler never treats it as authoritative.
type ResourceUsage struct {
	CurrentMemoryFraction float64 // [0,1] of host memory currently in use
	CurrentCPUFraction    float64
	RequiredMemoryFraction float64
	RequiredCPUFraction    float64
}

// Selection is the scheduler's verdict for one driver-loop iteration.
type Selection struct {
	ID               string
	Score            float64
	Reason           string
	EstimatedResources ResourceUsage
}

// Scheduler scores and selects among a Tree's eligible tasks.
type Scheduler struct {
	weights config.SchedulerWeights
	// recentFiles is a small LRU-ish window of recently-touched file paths,
	// used for the context-similarity factor.
	recentFiles []string
	// history tracks prior failure/success counts per task id for the
	// history_penalty factor. Keyed by task id; survives across scheduling
	// rounds for the lifetime of the Scheduler.
	failures  map[string]int
	successes map[string]int
	// exclusive marks resources currently held exclusively by an in-flight
	// task; a task requiring one of these is never selected.
	exclusive map[string]bool

	rng *rand.Rand
}

// New constructs a Scheduler. seed controls the weighted-random selection
// policy's determinism (pass time.Now().UnixNano() for production use).
func New(weights config.SchedulerWeights, seed int64) *Scheduler {
	return &Scheduler{
		weights:   weights,
		failures:  map[string]int{},
		successes: map[string]int{},
		exclusive: map[string]bool{},
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// TouchFile records a file as recently touched, feeding the context
// similarity factor for subsequently-scored tasks. Keeps only the most
// recent 50 entries.
func (s *Scheduler) TouchFile(path string) {
	s.recentFiles = append(s.recentFiles, path)
	if len(s.recentFiles) > 50 {
		s.recentFiles = s.recentFiles[len(s.recentFiles)-50:]
	}
}

// RecordOutcome updates the history_penalty bookkeeping for a task id.
func (s *Scheduler) RecordOutcome(id string, success bool) {
	if success {
		s.successes[id]++
	} else {
		s.failures[id]++
	}
}

// MarkExclusive reserves a named exclusive resource for the duration of a
// task's execution; ReleaseExclusive frees it.
func (s *Scheduler) MarkExclusive(resource string) { s.exclusive[resource] = true }
func (s *Scheduler) ReleaseExclusive(resource string) { delete(s.exclusive, resource) }

// criticalPathIDs is a tiny placeholder computed by counting in-degree:
// tasks that at least one other task depends on are treated as "on the
// critical path" for the dependency_score bonus.
func dependentCounts(tr *task.Tree) map[string]int {
	counts := map[string]int{}
	for _, tk := range tr.All() {
		for _, dep := range tk.Dependencies {
			counts[dep]++
		}
	}
	return counts
}

// Select computes scores for every eligible task and returns the chosen
// one, or nil if none are eligible. exclusiveHeld lists resource names the
// candidate must NOT require (mutually exclusive with in-flight work).
func (s *Scheduler) Select(tr *task.Tree, usage ResourceUsage) *Selection {
	eligible := tr.Eligible()
	if len(eligible) == 0 {
		return nil
	}

	depCounts := dependentCounts(tr)
	now := time.Now().UTC()

	var candidates []scoredTask

	for _, id := range eligible {
		tk, err := tr.Get(id)
		if err != nil {
			continue
		}
		if s.requiresHeldExclusive(tk) {
			continue
		}
		score := s.score(tk, depCounts[id], usage, now)
		candidates = append(candidates, scoredTask{tk: tk, score: score})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].tk.Metadata.Priority != candidates[j].tk.Metadata.Priority {
			return candidates[i].tk.Metadata.Priority > candidates[j].tk.Metadata.Priority
		}
		return candidates[i].tk.CreatedAt.Before(candidates[j].tk.CreatedAt)
	})

	chosen := s.pick(candidates)
	return &Selection{
		ID:     chosen.tk.ID,
		Score:  chosen.score,
		Reason: "multi-factor score",
		EstimatedResources: ResourceUsage{
			RequiredMemoryFraction: usage.RequiredMemoryFraction,
			RequiredCPUFraction:    usage.RequiredCPUFraction,
		},
	}
}

func (s *Scheduler) requiresHeldExclusive(tk *task.Task) bool {
	for _, repo := range tk.Metadata.RepoRefs {
		if s.exclusive[repo.URL] {
			return true
		}
	}
	return false
}

type scoredTask struct {
	tk    *task.Task
	score float64
}

func (s *Scheduler) pick(candidates []scoredTask) scoredTask {
	switch {
	case s.weights.Randomization == 0:
		return candidates[0]
	case s.weights.Randomization == 1:
		return candidates[s.rng.Intn(len(candidates))]
	default:
		total := 0.0
		weights := make([]float64, len(candidates))
		for i, c := range candidates {
			w := math.Max(c.score, 0.1)
			weights[i] = w
			total += w
		}
		r := s.rng.Float64() * total
		acc := 0.0
		for i, w := range weights {
			acc += w
			if r <= acc {
				return candidates[i]
			}
		}
		return candidates[len(candidates)-1]
	}
}

func (s *Scheduler) score(tk *task.Task, dependents int, usage ResourceUsage, now time.Time) float64 {
	w := s.weights

	priorityScore := float64(tk.Metadata.Priority) * 10

	onCriticalPath := dependents > 0
	dependencyScore := float64(dependents)*2 + boolBonus(onCriticalPath, 5)

	contextSimilarity := 0.0
	if len(s.recentFiles) > 0 && len(tk.Metadata.FileRefs) > 0 {
		paths := make([]string, len(tk.Metadata.FileRefs))
		for i, fr := range tk.Metadata.FileRefs {
			paths[i] = fr.Path
		}
		contextSimilarity = task.JaccardStrings(paths, s.recentFiles) * 10
	}

	resourceScore := resourceEfficiency(usage)

	historyPenalty := math.Max(-2*float64(s.failures[tk.ID]), -8) + float64(s.successes[tk.ID])

	ageHours := now.Sub(tk.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	ageBonus := math.Log(ageHours+1) * 2

	complexityScore := complexityFactor(tk.Metadata.EstimatedComplexity)

	total := w.Priority*priorityScore +
		w.Dependency*dependencyScore +
		w.ContextSimilarity*contextSimilarity +
		w.Resource*resourceScore +
		w.HistoryPenalty*historyPenalty +
		w.AgeBonus*ageBonus +
		w.Complexity*complexityScore

	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return total
}

func boolBonus(cond bool, bonus float64) float64 {
	if cond {
		return bonus
	}
	return 0
}

// resourceEfficiency favors tasks whose required resources leave more
// headroom given current usage; never authoritative (advisory only).
func resourceEfficiency(usage ResourceUsage) float64 {
	memHeadroom := 1 - (usage.CurrentMemoryFraction + usage.RequiredMemoryFraction)
	cpuHeadroom := 1 - (usage.CurrentCPUFraction + usage.RequiredCPUFraction)
	avg := (memHeadroom + cpuHeadroom) / 2
	if avg < 0 {
		avg = 0
	}
	return avg * 10
}

func complexityFactor(c *task.Complexity) float64 {
	if c == nil {
		return 3
	}
	switch *c {
	case task.ComplexityTrivial:
		return 2
	case task.ComplexitySimple:
		return 4
	case task.ComplexityModerate:
		return 5
	case task.ComplexityComplex:
		return 3
	case task.ComplexityEpic:
		return 1
	default:
		return 3
	}
}
