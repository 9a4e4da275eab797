// Package scheduler runs named groups of nodes on executors driven either by
// chained triggers or by wall-clock alignment.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/msageha/camcore/internal/model"
)

var (
	ErrNodeNotClaimed = errors.New("no executor claims node")
	ErrExecutorActive = errors.New("executor is active")
	ErrTriggerCycle   = errors.New("trigger sources form a cycle")
)

// Node is one schedulable unit of per-frame work.
type Node interface {
	Name() string
	Process(tick int64) error
}

type funcNode struct {
	name string
	fn   func(tick int64) error
}

// NewNode adapts fn into a Node called name.
func NewNode(name string, fn func(tick int64) error) Node {
	return &funcNode{name: name, fn: fn}
}

func (n *funcNode) Name() string             { return n.name }
func (n *funcNode) Process(tick int64) error { return n.fn(tick) }

// ExecutorEntry names an executor and the executor (or external source)
// whose ticks wake it. An empty TriggerSource means external triggers only.
type ExecutorEntry struct {
	Name          string
	TriggerSource string
}

// Policy assigns executors and their nodes for a graph.
type Policy interface {
	ExecutorTable(graphID int32) ([]ExecutorEntry, error)
	NodeList(executor string) []string
}

// StaticPolicy serves the same table for every graph.
type StaticPolicy struct {
	entries []ExecutorEntry
	nodes   map[string][]string
}

func NewStaticPolicy(cfgs []model.ExecutorConfig) *StaticPolicy {
	p := &StaticPolicy{nodes: make(map[string][]string, len(cfgs))}
	for _, c := range cfgs {
		p.entries = append(p.entries, ExecutorEntry{Name: c.Name, TriggerSource: c.TriggerSource})
		p.nodes[c.Name] = append([]string(nil), c.Nodes...)
	}
	return p
}

func (p *StaticPolicy) ExecutorTable(graphID int32) ([]ExecutorEntry, error) {
	if len(p.entries) == 0 {
		return nil, fmt.Errorf("graph %d: no executors configured", graphID)
	}
	return append([]ExecutorEntry(nil), p.entries...), nil
}

func (p *StaticPolicy) NodeList(executor string) []string {
	return append([]string(nil), p.nodes[executor]...)
}
