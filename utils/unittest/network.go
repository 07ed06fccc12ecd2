package unittest

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/eldernet/consensus/consensus"
	"github.com/eldernet/consensus/consensus/membership"
	"github.com/eldernet/consensus/model"
)

// Packet is one vote in flight between two nodes.
type Packet[P any] struct {
	Source model.NodeID
	Dest   model.NodeID
	Vote   model.SignedVote[P]
}

// KernelNet is an in-memory network of single-instance kernels with
// randomized delivery order and optional packet loss. Lost progress is
// recovered through anti-entropy rounds in Settle.
type KernelNet[P any] struct {
	rng      *rand.Rand
	nodes    map[model.NodeID]*consensus.Consensus[P]
	order    []model.NodeID
	queue    []Packet[P]
	DropRate float64
}

func NewKernelNet[P any](seed int64) *KernelNet[P] {
	return &KernelNet[P]{
		rng:   rand.New(rand.NewSource(seed)),
		nodes: make(map[model.NodeID]*consensus.Consensus[P]),
	}
}

func (n *KernelNet[P]) Add(node *consensus.Consensus[P]) {
	n.nodes[node.NodeID()] = node
	n.order = append(n.order, node.NodeID())
}

func (n *KernelNet[P]) Node(id model.NodeID) *consensus.Consensus[P] {
	return n.nodes[id]
}

// Broadcast enqueues the votes from source to every other node.
func (n *KernelNet[P]) Broadcast(source model.NodeID, votes []model.SignedVote[P]) {
	for _, vote := range votes {
		for _, dest := range n.order {
			if dest == source {
				continue
			}
			n.queue = append(n.queue, Packet[P]{Source: source, Dest: dest, Vote: vote})
		}
	}
}

// Enqueue adds a single directed packet.
func (n *KernelNet[P]) Enqueue(source, dest model.NodeID, vote model.SignedVote[P]) {
	n.queue = append(n.queue, Packet[P]{Source: source, Dest: dest, Vote: vote})
}

// DeliverOne pops a random packet and delivers it, broadcasting whatever the
// receiver emits in response. Returns false once the queue is empty.
func (n *KernelNet[P]) DeliverOne() (bool, error) {
	if len(n.queue) == 0 {
		return false, nil
	}
	i := n.rng.Intn(len(n.queue))
	packet := n.queue[i]
	n.queue[i] = n.queue[len(n.queue)-1]
	n.queue = n.queue[:len(n.queue)-1]

	if n.DropRate > 0 && n.rng.Float64() < n.DropRate {
		return true, nil
	}

	resp, err := n.nodes[packet.Dest].HandleSignedVote(packet.Vote)
	if err != nil {
		return true, fmt.Errorf("node %d handling vote from %d: %w", packet.Dest, packet.Source, err)
	}
	n.Broadcast(packet.Dest, resp.Broadcasts)
	return true, nil
}

// Drain delivers packets in random order until the queue is empty.
func (n *KernelNet[P]) Drain(maxSteps int) error {
	for steps := 0; ; steps++ {
		if steps > maxSteps {
			return errors.New("network did not drain, possible ballot amplification")
		}
		more, err := n.DeliverOne()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Settle drains the network, triggering anti-entropy rounds until every
// node decided or the round budget runs out.
func (n *KernelNet[P]) Settle(maxRounds, maxSteps int) error {
	if err := n.Drain(maxSteps); err != nil {
		return err
	}
	for round := 0; !n.AllDecided() && round < maxRounds; round++ {
		n.antiEntropyRound()
		if err := n.Drain(maxSteps); err != nil {
			return err
		}
	}
	if !n.AllDecided() {
		return errors.New("network settled without full agreement")
	}
	return nil
}

func (n *KernelNet[P]) antiEntropyRound() {
	for _, source := range n.order {
		vote := n.nodes[source].AntiEntropy()
		if vote == nil {
			continue
		}
		n.Broadcast(source, []model.SignedVote[P]{*vote})
	}
}

func (n *KernelNet[P]) AllDecided() bool {
	for _, node := range n.nodes {
		if !node.Decided() {
			return false
		}
	}
	return true
}

// MembershipNet is the multi-generation analogue of KernelNet over
// membership drivers. Votes for future generations are requeued rather than
// dropped, modelling a driver-side queue.
type MembershipNet[M any] struct {
	rng      *rand.Rand
	nodes    map[model.NodeID]*membership.Membership[M]
	order    []model.NodeID
	queue    []Packet[membership.Reconfig[M]]
	DropRate float64
}

func NewMembershipNet[M any](seed int64) *MembershipNet[M] {
	return &MembershipNet[M]{
		rng:   rand.New(rand.NewSource(seed)),
		nodes: make(map[model.NodeID]*membership.Membership[M]),
	}
}

func (n *MembershipNet[M]) Add(node *membership.Membership[M]) {
	n.nodes[node.NodeID()] = node
	n.order = append(n.order, node.NodeID())
}

func (n *MembershipNet[M]) Node(id model.NodeID) *membership.Membership[M] {
	return n.nodes[id]
}

func (n *MembershipNet[M]) Broadcast(source model.NodeID, votes []model.SignedVote[membership.Reconfig[M]]) {
	for _, vote := range votes {
		for _, dest := range n.order {
			if dest == source {
				continue
			}
			n.queue = append(n.queue, Packet[membership.Reconfig[M]]{Source: source, Dest: dest, Vote: vote})
		}
	}
}

func (n *MembershipNet[M]) DeliverOne() (bool, error) {
	if len(n.queue) == 0 {
		return false, nil
	}
	i := n.rng.Intn(len(n.queue))
	packet := n.queue[i]
	n.queue[i] = n.queue[len(n.queue)-1]
	n.queue = n.queue[:len(n.queue)-1]

	if n.DropRate > 0 && n.rng.Float64() < n.DropRate {
		return true, nil
	}

	dest := n.nodes[packet.Dest]
	resp, err := dest.HandleSignedVote(packet.Vote)
	if errors.Is(err, model.ErrFutureGeneration) {
		// The receiver is behind; ask a peer for catch-up and retry later.
		n.queue = append(n.queue, packet)
		n.Broadcast(packet.Source, n.nodes[packet.Source].AntiEntropy(dest.Generation()))
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("node %d handling vote from %d: %w", packet.Dest, packet.Source, err)
	}
	n.Broadcast(packet.Dest, resp.Broadcasts)
	return true, nil
}

// Drain delivers packets until the queue is empty or the step budget runs
// out. Unlike the kernel net, an exhausted budget is not an error by itself:
// requeued future-generation packets can keep the queue busy.
func (n *MembershipNet[M]) Drain(maxSteps int) error {
	for steps := 0; steps < maxSteps; steps++ {
		more, err := n.DeliverOne()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Settle drains with anti-entropy rounds until every node has decided at
// least the given generation.
func (n *MembershipNet[M]) Settle(gen model.Generation, maxRounds, maxSteps int) error {
	if err := n.Drain(maxSteps); err != nil {
		return err
	}
	for round := 0; !n.AllReached(gen) && round < maxRounds; round++ {
		n.antiEntropyRound()
		if err := n.Drain(maxSteps); err != nil {
			return err
		}
	}
	if !n.AllReached(gen) {
		return fmt.Errorf("network settled before all nodes reached generation %d", gen)
	}
	return nil
}

func (n *MembershipNet[M]) antiEntropyRound() {
	for _, source := range n.order {
		n.Broadcast(source, n.nodes[source].AntiEntropy(0))
	}
}

func (n *MembershipNet[M]) AllReached(gen model.Generation) bool {
	for _, node := range n.nodes {
		if node.Generation() < gen {
			return false
		}
	}
	return true
}
