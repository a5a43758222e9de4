/*
 * Copyright 2024 mir-opt Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ssa

import (
    `fmt`
    `strings`

    `github.com/sirupsen/logrus`
)

type ThreadEdgeKind uint8

const (
    /* the incoming edge that triggers the threading, always the first
     * step of a path */
    StartJumpThread ThreadEdgeKind = iota

    /* a block whose statements are duplicated along the path */
    CopySrcBlock

    /* a block with multiple predecessors whose control statement is
     * kept in the duplicate */
    CopySrcJoinerBlock

    /* a block traversed but not duplicated */
    NoCopySrcBlock
)

func (self ThreadEdgeKind) String() string {
    switch self {
        case StartJumpThread    : return "incoming edge"
        case CopySrcBlock       : return "normal"
        case CopySrcJoinerBlock : return "joiner"
        case NoCopySrcBlock     : return "nocopy"
        default                 : panic("unreachable")
    }
}

/* ThreadEdge is one step of a jump-thread path. */
type ThreadEdge struct {
    E    *Edge
    Kind ThreadEdgeKind
}

/* ThreadPath is an ordered walk from a triggering incoming edge to the
 * final destination of the thread. The step at index 1 decides whether
 * the path is threaded in plain-copy or joiner mode. */
type ThreadPath struct {
    ee []ThreadEdge
}

func NewThreadPath(ee ...ThreadEdge) *ThreadPath {
    return &ThreadPath { ee: ee }
}

func (self *ThreadPath) Push(e *Edge, kind ThreadEdgeKind) *ThreadPath {
    self.ee = append(self.ee, ThreadEdge { E: e, Kind: kind })
    return self
}

func (self *ThreadPath) Len() int {
    return len(self.ee)
}

func (self *ThreadPath) At(i int) ThreadEdge {
    return self.ee[i]
}

func (self *ThreadPath) last() ThreadEdge {
    return self.ee[len(self.ee) - 1]
}

func (self *ThreadPath) truncate(n int) {
    self.ee = self.ee[:n]
}

func (self *ThreadPath) clone() *ThreadPath {
    return &ThreadPath { ee: append([]ThreadEdge(nil), self.ee...) }
}

func (self *ThreadPath) String() string {
    nb := len(self.ee)
    ret := make([]string, 0, nb)

    /* dump every step, a missing edge can happen for threads that
     * resolved to a constant address */
    for _, p := range self.ee {
        if p.E != nil {
            ret = append(ret, fmt.Sprintf("(%d, %d) %s", p.E.Src.Id, p.E.Dst.Id, p.Kind))
        }
    }

    /* join them together */
    return strings.Join(ret, "; ")
}

/* DeleteJumpThreadPath releases a path that will not be threaded. */
func DeleteJumpThreadPath(path *ThreadPath) {
    path.ee = nil
}

type _ThreadStats struct {
    numThreadedEdges uint64
}

/* JumpThreading applies the jump-thread requests registered by the
 * analysis passes, rewriting the CFG and the φ graph in one batch. */
type JumpThreading struct {
    /* avoid block duplication when optimizing for size */
    ForSize bool

    /* registration ceiling for bisection, zero means unlimited */
    RegisterLimit int

    /* optional dump sink */
    Log *logrus.Logger

    paths      []*ThreadPath
    registered int
    stats      _ThreadStats
}

/* NumThreadedEdges reports how many incoming edges were threaded by
 * the last ThreadThroughAllBlocks call. */
func (self *JumpThreading) NumThreadedEdges() uint64 {
    return self.stats.numThreadedEdges
}

func (self *JumpThreading) dumpf(format string, args ...interface{}) {
    if self.Log != nil {
        self.Log.Debugf(format, args...)
    }
}

/* RegisterJumpThread queues a jump-thread request, taking ownership of
 * the path. Paths with missing edges are dropped on the spot. */
func (self *JumpThreading) RegisterJumpThread(path *ThreadPath) {
    if self.registered++; self.RegisterLimit != 0 && self.registered > self.RegisterLimit {
        DeleteJumpThreadPath(path)
        return
    }

    /* a missing edge means the thread resolved to a constant address,
     * nothing to update then */
    for _, p := range path.ee {
        if p.E == nil {
            self.dumpf("Found missing edge in jump threading path. Cancelling jump thread: %s", path)
            DeleteJumpThreadPath(path)
            return
        }
    }

    self.dumpf("Registering jump thread: %s", path)
    self.paths = append(self.paths, path)
}
