package dispatch

import (
	"path/filepath"

	"github.com/macrodyne/autod/cluster"
	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

// selectTarget picks the peer for a request. Candidates are the online
// peers excluding self, already sorted by node id.
func (d *Dispatcher) selectTarget(strategy string, req Request) (cluster.NodeInfo, error) {
	candidates := d.members.Candidates()
	if len(candidates) == 0 {
		return cluster.NodeInfo{}, errors.Wrap(errors.ErrUnavailable, "no online peers to dispatch to")
	}

	switch strategy {
	case config.StrategyRoundRobin:
		return d.roundRobin(candidates), nil
	case config.StrategyLeastLoad:
		return d.leastLoad(candidates), nil
	case config.StrategyAffinity:
		return d.affinity(candidates, req)
	default:
		return cluster.NodeInfo{}, errors.NewInvalidRequestError("unknown dispatch strategy %q", strategy)
	}
}

// roundRobin advances a persistent index over the sorted candidate set.
func (d *Dispatcher) roundRobin(candidates []cluster.NodeInfo) cluster.NodeInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := candidates[d.rrIndex%len(candidates)]
	d.rrIndex++
	return target
}

// leastLoad scores each candidate and picks the minimum. CPU above the
// threshold disqualifies a node unless every node is above it.
func (d *Dispatcher) leastLoad(candidates []cluster.NodeInfo) cluster.NodeInfo {
	threshold := d.Config().LoadThreshold

	eligible := candidates[:0:0]
	for _, c := range candidates {
		if c.Stats.CPUPercent <= threshold {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		logger.Warnw("All peers above load threshold, dispatching anyway",
			"threshold", threshold,
		)
		eligible = candidates
	}

	best := eligible[0]
	bestScore := loadScore(best)
	for _, c := range eligible[1:] {
		// Strict less-than keeps the tie-break on the sorted node id order.
		if score := loadScore(c); score < bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func loadScore(n cluster.NodeInfo) float64 {
	return 0.4*n.Stats.CPUPercent + 4.0*float64(n.Stats.TasksRunning) + 1.0*float64(n.Stats.TasksQueued)
}

// affinity resolves, in order: the caller's explicit target, the configured
// glob rules against the task name, then least-load.
func (d *Dispatcher) affinity(candidates []cluster.NodeInfo, req Request) (cluster.NodeInfo, error) {
	if req.TargetNodeID != "" {
		for _, c := range candidates {
			if c.ID == req.TargetNodeID {
				return c, nil
			}
		}
		return cluster.NodeInfo{}, errors.Wrapf(errors.ErrUnavailable, "target node %s is not online", req.TargetNodeID)
	}

	if req.Name != "" {
		for _, rule := range d.Config().AffinityRules {
			matched, err := filepath.Match(rule.Pattern, req.Name)
			if err != nil || !matched {
				continue
			}
			for _, c := range candidates {
				if c.ID == rule.NodeID {
					return c, nil
				}
			}
			logger.Debugw("Affinity rule target offline, falling through",
				"pattern", rule.Pattern,
				"node_id", rule.NodeID,
			)
		}
	}

	return d.leastLoad(candidates), nil
}
