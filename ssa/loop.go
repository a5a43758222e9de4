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

type LoopsState uint8

const (
    LoopsNeedFixup LoopsState = 1 << iota
    LoopsMayHaveMultipleLatches
)

/* Loop is a node of the natural-loop tree. The root pseudo-loop spans
 * the whole function, it has no header or latch. A loop whose header
 * was destroyed by threading keeps its tree node but has both header
 * and latch cleared. */
type Loop struct {
    Header *BasicBlock
    Latch  *BasicBlock
    Outer  *Loop
    Depth  int
}

func loopOuter(l *Loop) *Loop {
    return l.Outer
}

func loopDepth(l *Loop) int {
    if l == nil {
        return 0
    } else {
        return l.Depth
    }
}

/* contains reports whether bb belongs to l, directly or through a
 * subloop. */
func (self *Loop) contains(bb *BasicBlock) bool {
    for p := bb.Loop; p != nil; p = p.Outer {
        if p == self {
            return true
        }
    }
    return false
}

func loopLatchEdge(l *Loop) *Edge {
    if l.Latch == nil || l.Header == nil {
        return nil
    } else {
        return findEdge(l.Latch, l.Header)
    }
}

func loopExitEdgeP(l *Loop, e *Edge) bool {
    return l.contains(e.Src) && !l.contains(e.Dst)
}

/* emptyBlockP reports whether bb carries no executable statements and
 * no φ nodes. */
func emptyBlockP(bb *BasicBlock) bool {
    for _, v := range bb.Ins {
        if _, ok := v.(*IrDebug); !ok {
            return false
        }
    }
    return len(bb.Phi) == 0
}

func commonLoop(a *Loop, b *Loop) *Loop {
    if a == nil || b == nil {
        return nil
    }
    for a.Depth > b.Depth { a = a.Outer }
    for b.Depth > a.Depth { b = b.Outer }
    for a != b {
        a = a.Outer
        b = b.Outer
    }
    return a
}

func (self *CFG) loopsStateSet(flags LoopsState) {
    self.LoopsState |= flags
}

func (self *CFG) initializeOriginalCopyTables() {
    self.loopcopy = make(map[*Loop]*Loop)
}

func (self *CFG) freeOriginalCopyTables() {
    self.loopcopy = nil
}

/* setLoopCopy records where duplicates of blocks of l must be placed,
 * a nil copy drops the record. */
func (self *CFG) setLoopCopy(l *Loop, copy *Loop) {
    if self.loopcopy == nil {
        return
    }
    if copy == nil {
        delete(self.loopcopy, l)
    } else {
        self.loopcopy[l] = copy
    }
}

func (self *CFG) getLoopCopy(l *Loop) *Loop {
    if c, ok := self.loopcopy[l]; ok {
        return c
    } else {
        return l
    }
}

/* innermostLoops returns the non-root loops of the tree, innermost
 * first. */
func (self *CFG) innermostLoops() []*Loop {
    var ret []*Loop
    for _, l := range self.LoopList() {
        ret = append(ret, l)
    }
    sort.SliceStable(ret, func(i int, j int) bool {
        return ret[i].Depth > ret[j].Depth
    })
    return ret
}

func (self *CFG) LoopList() []*Loop {
    return self.looplist
}

/* AnalyzeLoops discovers the natural loops of the graph and assigns
 * every block its innermost loop. Back edges are found through the
 * dominator tree, so the tree is rebuilt first. */
func (self *CFG) AnalyzeLoops() {
    self.Rebuild()
    bbs := self.Blocks()

    /* the root pseudo-loop spans the whole function */
    root := new(Loop)
    for _, bb := range bbs {
        bb.Loop = root
    }

    /* group the back edges by header */
    hh := make([]*BasicBlock, 0, len(bbs))
    be := make(map[*BasicBlock][]*Edge)
    for _, bb := range bbs {
        for _, e := range bb.Succ {
            if self.dominates(e.Dst, e.Src) {
                if _, ok := be[e.Dst]; !ok {
                    hh = append(hh, e.Dst)
                }
                be[e.Dst] = append(be[e.Dst], e)
            }
        }
    }

    /* collect the loop bodies with a reverse BFS from the latches,
     * stopping at the header */
    loops := make([]*Loop, 0, len(hh))
    body := make(map[*Loop]map[*BasicBlock]struct{})
    for _, h := range hh {
        l := &Loop { Header: h }
        bb := map[*BasicBlock]struct{} { h: {} }
        q := lane.NewQueue()

        /* the latch is only meaningful when unique */
        if ee := be[h]; len(ee) == 1 {
            l.Latch = ee[0].Src
        }

        /* seed with the back-edge sources */
        for _, e := range be[h] {
            if _, ok := bb[e.Src]; !ok {
                bb[e.Src] = struct{}{}
                q.Enqueue(e.Src)
            }
        }

        /* walk backwards to the header */
        for !q.Empty() {
            p := q.Dequeue().(*BasicBlock)
            for _, e := range p.Pred {
                if _, ok := bb[e.Src]; !ok {
                    bb[e.Src] = struct{}{}
                    q.Enqueue(e.Src)
                }
            }
        }

        loops = append(loops, l)
        body[l] = bb
    }

    /* sort by body size, larger loops first, and assign the innermost
     * loop of every block by overwriting in that order */
    sort.SliceStable(loops, func(i int, j int) bool {
        return len(body[loops[i]]) > len(body[loops[j]])
    })
    for _, l := range loops {
        for bb := range body[l] {
            bb.Loop = l
        }
    }

    /* nest the loops: the outer loop is the smallest larger loop whose
     * body contains the header */
    for i, l := range loops {
        l.Outer = root
        for j := i - 1; j >= 0; j-- {
            if _, ok := body[loops[j]][l.Header]; ok && len(body[loops[j]]) > len(body[l]) {
                l.Outer = loops[j]
                break
            }
        }
    }

    /* loop depths follow the nesting, loops were sorted outermost
     * first already */
    for _, l := range loops {
        l.Depth = l.Outer.Depth + 1
    }

    /* update the CFG */
    self.LoopRoot = root
    self.looplist = loops
}
