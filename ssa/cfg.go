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
    `sort`

    `github.com/oleiade/lane`
)

type BasicBlock struct {
    Id    int
    Phi   []*IrPhi
    Ins   []IrNode
    Term  IrTerminator
    Pred  []*Edge
    Succ  []*Edge
    Freq  int64
    Count int64
    Loop  *Loop
}

func (self *BasicBlock) addInstr(ins ...IrNode) {
    self.Ins = append(self.Ins, ins...)
}

func (self *BasicBlock) termReturn(rr ...Reg) {
    self.Term = &IrReturn { R: rr }
}

/* termBranch ends the block with an unconditional goto. */
func (self *BasicBlock) termBranch(to *BasicBlock) *Edge {
    e := makeEdge(self, to, EdgeFallthru)
    self.Term = &IrSwitch { V: Rz, Ln: e }
    return e
}

/* termCondition ends the block with a two-way branch on v, taking t
 * when v is 1 and f for any other value. */
func (self *BasicBlock) termCondition(v Reg, t *BasicBlock, f *BasicBlock) (*Edge, *Edge) {
    et := makeEdge(self, t, EdgeTrueValue)
    ef := makeEdge(self, f, EdgeFalseValue)
    et.Prob = ProbMax / 2
    ef.Prob = ProbMax - et.Prob
    self.Term = &IrSwitch { V: v, Ln: ef, Br: map[int64]*Edge { 1: et } }
    return et, ef
}

type CFG struct {
    Root        *BasicBlock
    Depth       map[int]int
    DominatedBy map[int]*BasicBlock
    DominatorOf map[int][]*BasicBlock
    LoopRoot    *Loop
    LoopsState  LoopsState
    maxblock    int
    looplist    []*Loop
    loopcopy    map[*Loop]*Loop
}

func CreateCFG() *CFG {
    cfg := new(CFG)
    cfg.Root = cfg.CreateBlock()
    return cfg
}

func (self *CFG) CreateBlock() *BasicBlock {
    self.maxblock++
    return &BasicBlock { Id: self.maxblock }
}

/* Blocks returns every block reachable from the root, in ascending
 * block ID order. */
func (self *CFG) Blocks() []*BasicBlock {
    q := lane.NewQueue()
    m := make(map[int]*BasicBlock)

    /* traverse the graph with BFS */
    for q.Enqueue(self.Root); !q.Empty(); {
        p := q.Dequeue().(*BasicBlock)

        /* add all the successors */
        for _, e := range p.Succ {
            if _, ok := m[e.Dst.Id]; !ok {
                m[e.Dst.Id] = e.Dst
                q.Enqueue(e.Dst)
            }
        }
    }

    /* the root is always present */
    m[self.Root.Id] = self.Root
    ret := make([]*BasicBlock, 0, len(m))

    /* dump the blocks */
    for _, bb := range m {
        ret = append(ret, bb)
    }

    /* sort by block ID */
    sort.Slice(ret, func(i int, j int) bool {
        return ret[i].Id < ret[j].Id
    })
    return ret
}

/* Rebuild recomputes the block depths and the dominator tree after the
 * graph has been mutated. */
func (self *CFG) Rebuild() {
    q := lane.NewQueue()
    self.Depth = make(map[int]int)

    /* compute block depths with BFS */
    for q.Enqueue(self.Root); !q.Empty(); {
        p := q.Dequeue().(*BasicBlock)

        /* add all the successors */
        for _, e := range p.Succ {
            if _, ok := self.Depth[e.Dst.Id]; !ok && e.Dst != self.Root {
                self.Depth[e.Dst.Id] = self.Depth[p.Id] + 1
                q.Enqueue(e.Dst)
            }
        }
    }

    /* rebuild the dominator tree */
    buildDominatorTree(self)
}

/* freeDominanceInfo drops the dominator tree. The jump threader calls
 * this before rewiring edges, recomputing dominators afterwards is the
 * caller's job. */
func (self *CFG) freeDominanceInfo() {
    self.DominatedBy = nil
    self.DominatorOf = nil
}

/* dominates reports whether a dominates b, both blocks must be present
 * in the current dominator tree. */
func (self *CFG) dominates(a *BasicBlock, b *BasicBlock) bool {
    for p := b; p != nil; p = self.DominatedBy[p.Id] {
        if p == a {
            return true
        }
    }
    return false
}
