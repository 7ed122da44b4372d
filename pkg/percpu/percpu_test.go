// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package percpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTableStartsAsleep(t *testing.T) {
	table := NewTable(4)
	require.Equal(t, 4, table.Len())
	for i, cpu := range table.All() {
		require.Equal(t, uint32(i), cpu.LogicalID)
		require.Equal(t, Asleep, cpu.Status())
		require.Nil(t, cpu.Domain)
	}
	require.Nil(t, table.CPU(4))
}

func TestBuildFlatTopologyRingsAllGroups(t *testing.T) {
	table := NewTable(3)
	table.BuildFlatTopology()

	for _, cpu := range table.All() {
		require.NotNil(t, cpu.Domain)
		require.Nil(t, cpu.Domain.Parent)
		require.Equal(t, []uint32{cpu.LogicalID}, cpu.Domain.Group.CPUs)
	}

	// Walking Next() len(cpus) times from any group returns to itself.
	start := table.CPU(0).Domain.Group
	g := start
	for i := 0; i < table.Len(); i++ {
		g = g.Next()
	}
	require.Same(t, start, g)
}

func TestUpdateOnInsertAndRemoveWalkDomainChain(t *testing.T) {
	leafGroup := &Group{CPUs: []uint32{0}}
	rootGroup := &Group{CPUs: []uint32{0}}
	root := &Domain{Group: rootGroup}
	leaf := &Domain{Group: leafGroup, Parent: root}
	cpu := &CPU{LogicalID: 0, Domain: leaf}

	UpdateOnInsert(cpu)
	require.EqualValues(t, 1, leafGroup.TasksCount())
	require.EqualValues(t, 1, rootGroup.TasksCount())

	UpdateOnInsert(cpu)
	require.EqualValues(t, 2, leafGroup.TasksCount())
	require.EqualValues(t, 2, rootGroup.TasksCount())

	UpdateOnRemove(cpu)
	require.EqualValues(t, 1, leafGroup.TasksCount())
	require.EqualValues(t, 1, rootGroup.TasksCount())
}

func TestCPUStatusTransitions(t *testing.T) {
	cpu := &CPU{}
	cpu.SetStatus(Asleep)
	require.Equal(t, Asleep, cpu.Status())
	cpu.SetStatus(WakeupInitiated)
	require.Equal(t, WakeupInitiated, cpu.Status())
	cpu.SetStatus(Online)
	require.Equal(t, Online, cpu.Status())
}
