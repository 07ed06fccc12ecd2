// Command sim runs a randomized membership-consensus soak over an in-memory
// network: every node proposes reconfigurations for a number of generations
// while packets are delivered in random order and optionally dropped, and
// the run fails if any two nodes disagree on a decided generation.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/eldernet/consensus/consensus/membership"
	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/metrics"
	"github.com/eldernet/consensus/module/signature"
)

const dedupCacheSize = 4096

var (
	flagNodes     int
	flagThreshold int
	flagRounds    int
	flagSeed      int64
	flagDropRate  float64
	flagBLS       bool
	flagVerbose   bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "randomized membership consensus soak over an in-memory network",
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	addFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addFlags(flags *pflag.FlagSet) {
	flags.IntVar(&flagNodes, "nodes", 4, "committee size")
	flags.IntVar(&flagThreshold, "threshold", 0, "signature threshold (0 = 2n/3+1)")
	flags.IntVar(&flagRounds, "rounds", 10, "generations to decide")
	flags.Int64Var(&flagSeed, "seed", 1, "rng seed for delivery schedule and key dealing")
	flags.Float64Var(&flagDropRate, "drop-rate", 0.0, "probability of dropping each packet")
	flags.BoolVar(&flagBLS, "bls", false, "use the real BLS threshold scheme instead of the test stub")
	flags.BoolVar(&flagVerbose, "verbose", false, "debug logging")
}

func run() error {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	threshold := flagThreshold
	if threshold == 0 {
		threshold = 2*flagNodes/3 + 1
	}
	signers, err := committee(flagNodes, threshold)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewConsensusCollector(registry)

	net, err := newSimNet(log, flagSeed, flagDropRate)
	if err != nil {
		return err
	}
	for _, signer := range signers {
		net.add(membership.NewMembership[string](log, collector, signer))
	}

	for round := 1; round <= flagRounds; round++ {
		if err := net.runGeneration(round); err != nil {
			return fmt.Errorf("generation %d: %w", round, err)
		}
	}

	if err := net.checkAgreement(); err != nil {
		return err
	}
	net.report(registry)
	log.Info().Int("rounds", flagRounds).Msg("soak passed")
	return nil
}

func committee(n, threshold int) ([]signature.Signer, error) {
	if flagBLS {
		seed := []byte(fmt.Sprintf("sim-seed-%d", flagSeed))
		blsSigners, _, err := signature.GenerateCommittee(n, threshold, seed)
		if err != nil {
			return nil, err
		}
		signers := make([]signature.Signer, 0, n)
		for _, signer := range blsSigners {
			signers = append(signers, signer)
		}
		return signers, nil
	}
	scheme := newStubScheme(n, threshold)
	signers := make([]signature.Signer, 0, n)
	for i := 0; i < n; i++ {
		signers = append(signers, &stubSigner{stubScheme: scheme, id: model.NodeID(i)})
	}
	return signers, nil
}

type packet struct {
	source model.NodeID
	dest   model.NodeID
	vote   model.SignedVote[membership.Reconfig[string]]
}

// simNet gossips votes between membership drivers. A per-node LRU over
// signature bytes stops re-gossip loops before they hit the kernels.
type simNet struct {
	log     zerolog.Logger
	rng     *rand.Rand
	drop    float64
	nodes   map[model.NodeID]*membership.Membership[string]
	order   []model.NodeID
	seen    map[model.NodeID]*lru.Cache[string, struct{}]
	queue   []packet
	members int
}

func newSimNet(log zerolog.Logger, seed int64, drop float64) (*simNet, error) {
	return &simNet{
		log:   log.With().Str("component", "sim-net").Logger(),
		rng:   rand.New(rand.NewSource(seed)),
		drop:  drop,
		nodes: make(map[model.NodeID]*membership.Membership[string]),
		seen:  make(map[model.NodeID]*lru.Cache[string, struct{}]),
	}, nil
}

func (s *simNet) add(node *membership.Membership[string]) {
	cache, _ := lru.New[string, struct{}](dedupCacheSize)
	s.nodes[node.NodeID()] = node
	s.seen[node.NodeID()] = cache
	s.order = append(s.order, node.NodeID())
}

// runGeneration has every node propose the round's reconfiguration, then
// settles the network until all nodes decided the generation. All nodes
// propose the same mutation: a node that cast a super-majority ballot is
// pinned to its agreed set, so a round with many competing proposals can
// split a larger committee into camps that never reach quorum.
func (s *simNet) runGeneration(round int) error {
	for _, id := range s.order {
		node := s.nodes[id]
		reconfig := s.nextReconfig(round, id)
		resp, err := node.Propose(reconfig)
		if err != nil {
			// Competing proposals can make ours redundant or conflicting;
			// the node still participates through merges.
			s.log.Debug().Err(err).Uint8("node", uint8(id)).Msg("proposal not cast")
			continue
		}
		s.broadcast(id, resp.Broadcasts)
	}
	return s.settle(model.Generation(round))
}

// nextReconfig derives the round's reconfiguration: joins until the soft
// capacity is in sight, then the leave of the first member in canonical
// order. The choice depends only on decided state, so every node proposes
// the same mutation.
func (s *simNet) nextReconfig(round int, id model.NodeID) membership.Reconfig[string] {
	node := s.nodes[id]
	members, err := node.Members(node.PendingGeneration())
	if err == nil && len(members) >= membership.SoftMaxMembers {
		keys := maps.Keys(members)
		slices.Sort(keys)
		return membership.Reconfig[string]{Action: membership.Leave, Member: members[keys[0]]}
	}
	return membership.Reconfig[string]{
		Action: membership.Join,
		Member: fmt.Sprintf("member-%d", round),
	}
}

func (s *simNet) broadcast(source model.NodeID, votes []model.SignedVote[membership.Reconfig[string]]) {
	for _, vote := range votes {
		for _, dest := range s.order {
			if dest == source {
				continue
			}
			if _, dup := s.seen[dest].Get(string(vote.Sig)); dup {
				continue
			}
			s.queue = append(s.queue, packet{source: source, dest: dest, vote: vote})
		}
	}
}

func (s *simNet) settle(gen model.Generation) error {
	const maxRounds = 100
	for round := 0; round < maxRounds; round++ {
		if err := s.drain(); err != nil {
			return err
		}
		if s.allReached(gen) {
			return nil
		}
		for _, id := range s.order {
			s.broadcast(id, s.nodes[id].AntiEntropy(0))
		}
	}
	return errors.New("settle budget exhausted before agreement")
}

func (s *simNet) drain() error {
	const maxSteps = 200_000
	for steps := 0; steps < maxSteps; steps++ {
		if len(s.queue) == 0 {
			return nil
		}
		i := s.rng.Intn(len(s.queue))
		p := s.queue[i]
		s.queue[i] = s.queue[len(s.queue)-1]
		s.queue = s.queue[:len(s.queue)-1]

		if s.drop > 0 && s.rng.Float64() < s.drop {
			continue
		}
		s.seen[p.dest].Add(string(p.vote.Sig), struct{}{})

		resp, err := s.nodes[p.dest].HandleSignedVote(p.vote)
		if errors.Is(err, model.ErrFutureGeneration) {
			s.queue = append(s.queue, p)
			s.broadcast(p.source, s.nodes[p.source].AntiEntropy(s.nodes[p.dest].Generation()))
			continue
		}
		if err != nil {
			return fmt.Errorf("node %d handling vote from %d: %w", p.dest, p.source, err)
		}
		s.broadcast(p.dest, resp.Broadcasts)
	}
	return errors.New("drain budget exhausted")
}

func (s *simNet) allReached(gen model.Generation) bool {
	for _, node := range s.nodes {
		if node.Generation() < gen {
			return false
		}
	}
	return true
}

// checkAgreement verifies that all nodes hold identical decisions for every
// decided generation.
func (s *simNet) checkAgreement() error {
	reference := s.nodes[s.order[0]]
	for gen := model.Generation(1); gen <= reference.Generation(); gen++ {
		expected, err := reference.Decision(gen)
		if err != nil {
			return err
		}
		for _, id := range s.order[1:] {
			actual, err := s.nodes[id].Decision(gen)
			if err != nil {
				return fmt.Errorf("node %d has no decision for generation %d: %w", id, gen, err)
			}
			if !bytes.Equal(actual.Sig, expected.Sig) {
				return fmt.Errorf("node %d disagrees on generation %d", id, gen)
			}
		}
	}
	return nil
}

func (s *simNet) report(registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		return
	}
	for _, family := range families {
		total := 0.0
		for _, metric := range family.GetMetric() {
			if counter := metric.GetCounter(); counter != nil {
				total += counter.GetValue()
			}
		}
		s.log.Info().Str("metric", family.GetName()).Float64("total", total).Msg("soak stats")
	}
}
