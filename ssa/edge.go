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
)

type EdgeFlags uint8

const (
    EdgeFallthru EdgeFlags = 1 << iota
    EdgeTrueValue
    EdgeFalseValue
    EdgeAbnormal
)

const (
    ProbMax   = 10000
    BBFreqMax = 10000
)

type _PendingArg struct {
    r Reg
    v Reg
}

/* Edge is a directed CFG edge. Aux is the single mutable annotation
 * slot, it owns the jump-thread path starting at this edge between
 * marking and redirection. */
type Edge struct {
    Src     *BasicBlock
    Dst     *BasicBlock
    Flags   EdgeFlags
    Prob    int32
    Count   int64
    Aux     *ThreadPath
    pending []_PendingArg
}

func (self *Edge) String() string {
    return fmt.Sprintf("bb_%d -> bb_%d", self.Src.Id, self.Dst.Id)
}

func makeEdge(src *BasicBlock, dst *BasicBlock, flags EdgeFlags) *Edge {
    e := &Edge {
        Src   : src,
        Dst   : dst,
        Flags : flags,
        Prob  : ProbMax,
    }
    src.Succ = append(src.Succ, e)
    dst.Pred = append(dst.Pred, e)
    return e
}

func findEdge(src *BasicBlock, dst *BasicBlock) *Edge {
    for _, e := range src.Succ {
        if e.Dst == dst {
            return e
        }
    }
    return nil
}

/* removeEdge unlinks e from both endpoints and drops the φ arguments
 * associated with it. The terminator is the caller's responsibility. */
func removeEdge(e *Edge) {
    for _, phi := range e.Dst.Phi {
        delete(phi.V, e)
    }
    succremove(e.Src, e)
    predremove(e.Dst, e)
}

/* redirectEdgeAndBranch retargets e to dst. The φ arguments e carried
 * at its old destination are queued on the edge, flushPendingStmts
 * installs them at the new destination. If e becomes parallel to an
 * existing edge the two are coalesced and the surviving edge is
 * returned, otherwise e itself is. */
func redirectEdgeAndBranch(e *Edge, dst *BasicBlock) *Edge {
    if e.Dst == dst {
        return e
    }

    /* queue the φ arguments for the edge */
    e.pending = e.pending[:0]
    for _, phi := range e.Dst.Phi {
        if v, ok := phi.V[e]; ok {
            e.pending = append(e.pending, _PendingArg { r: phi.R, v: *v })
            delete(phi.V, e)
        }
    }

    /* detach from the old destination */
    predremove(e.Dst, e)

    /* coalesce with an existing parallel edge */
    if ex := findEdge(e.Src, dst); ex != nil {
        succremove(e.Src, e)
        if sw, ok := e.Src.Term.(*IrSwitch); ok {
            sw.replaceEdge(e, ex)
        }
        ex.Count += e.Count
        if ex.Prob += e.Prob; ex.Prob > ProbMax {
            ex.Prob = ProbMax
        }
        ex.pending = append(ex.pending[:0], e.pending...)
        e.pending = nil
        return ex
    }

    /* plain retarget */
    e.Dst = dst
    dst.Pred = append(dst.Pred, e)
    return e
}

/* flushPendingStmts installs the φ arguments queued on e into the φ
 * nodes of its current destination, matching on the result register. */
func flushPendingStmts(e *Edge) {
    for _, p := range e.pending {
        for _, phi := range e.Dst.Phi {
            if phi.R == p.r {
                phi.V[e] = regnewref(p.v)
                break
            }
        }
    }
    e.pending = nil
}

/* removeCtrlStmtAndUselessEdges removes the terminating branch if it
 * is a branch, and drops every successor edge not targeting dest. A
 * nil dest drops all of them. */
func removeCtrlStmtAndUselessEdges(bb *BasicBlock, dest *BasicBlock) {
    if _, ok := bb.Term.(*IrSwitch); ok {
        bb.Term = nil
    }
    for i := 0; i < len(bb.Succ); {
        if e := bb.Succ[i]; e.Dst != dest {
            removeEdge(e)
        } else {
            i++
        }
    }
}

func singlePredP(bb *BasicBlock) bool {
    return len(bb.Pred) == 1
}

func singleSuccP(bb *BasicBlock) bool {
    return len(bb.Succ) == 1
}

func singleSuccEdge(bb *BasicBlock) *Edge {
    if !singleSuccP(bb) {
        panic(fmt.Sprintf("bb_%d is not a single-successor block", bb.Id))
    }
    return bb.Succ[0]
}

func edgeFrequency(e *Edge) int64 {
    return e.Src.Freq * int64(e.Prob) / ProbMax
}

/* duplicateBlock clones bb: statements, φ results (with empty argument
 * tables), the terminator, and outgoing edges parallel to the
 * originals. The copy has no predecessors. Loop placement honours the
 * original/copy tables. */
func duplicateBlock(cfg *CFG, bb *BasicBlock) *BasicBlock {
    nb := cfg.CreateBlock()
    nb.Freq = bb.Freq
    nb.Count = bb.Count
    nb.Loop = cfg.getLoopCopy(bb.Loop)

    /* φ results carry over, arguments arrive with the incoming edges */
    for _, phi := range bb.Phi {
        nb.Phi = append(nb.Phi, &IrPhi { R: phi.R, V: make(map[*Edge]*Reg) })
    }

    /* clone the statements */
    for _, v := range bb.Ins {
        nb.Ins = append(nb.Ins, cloneInstr(v))
    }

    /* copy outgoing edges, keeping the branch table parallel */
    em := make(map[*Edge]*Edge, len(bb.Succ))
    for _, e := range bb.Succ {
        ne := makeEdge(nb, e.Dst, e.Flags)
        ne.Prob = e.Prob
        em[e] = ne
    }

    /* clone the terminator onto the new edges */
    switch t := bb.Term.(type) {
        case nil: {
            break
        }

        /* return statement */
        case *IrReturn: {
            nb.Term = &IrReturn { R: append([]Reg(nil), t.R...) }
        }

        /* branch table */
        case *IrSwitch: {
            sw := &IrSwitch { V: t.V, Ln: em[t.Ln] }
            if len(t.Br) != 0 {
                sw.Br = make(map[int64]*Edge, len(t.Br))
                for k, e := range t.Br {
                    sw.Br[k] = em[e]
                }
            }
            nb.Term = sw
        }

        /* other terminators do not exist */
        default: {
            panic("duplicateBlock: invalid terminator: " + bb.Term.String())
        }
    }
    return nb
}

/* splitEdge inserts a new forwarding block in the middle of e and
 * returns it. The φ argument at the old destination moves onto the new
 * trailing edge. */
func splitEdge(cfg *CFG, e *Edge) *BasicBlock {
    bb := cfg.CreateBlock()
    dst := e.Dst

    /* profile and loop placement */
    bb.Freq = edgeFrequency(e)
    bb.Count = e.Count
    bb.Loop = commonLoop(e.Src.Loop, e.Dst.Loop)

    /* trailing edge, taking over the φ argument */
    ne := makeEdge(bb, dst, EdgeFallthru)
    ne.Count = e.Count
    bb.Term = &IrSwitch { V: Rz, Ln: ne }
    for _, phi := range dst.Phi {
        if v, ok := phi.V[e]; ok {
            phi.V[ne] = v
            delete(phi.V, e)
        }
    }

    /* retarget e into the new block */
    predremove(dst, e)
    e.Dst = bb
    bb.Pred = append(bb.Pred, e)
    return bb
}

/* makeForwarderBlock splits bb by moving every incoming edge except
 * keep to a fresh forwarder that jumps to bb, and returns the edge
 * from the forwarder to bb. */
func makeForwarderBlock(cfg *CFG, bb *BasicBlock, keep *Edge) *Edge {
    fw := cfg.CreateBlock()
    fw.Loop = bb.Loop
    fe := makeEdge(fw, bb, EdgeFallthru)
    fw.Term = &IrSwitch { V: Rz, Ln: fe }

    /* forwarder φ nodes merge the moved arguments */
    fp := make([]*IrPhi, 0, len(bb.Phi))
    for _, phi := range bb.Phi {
        fp = append(fp, &IrPhi { R: phi.R, V: make(map[*Edge]*Reg) })
    }

    /* move the incoming edges */
    pp := append([]*Edge(nil), bb.Pred...)
    for _, e := range pp {
        if e == keep || e == fe {
            continue
        }

        /* move the φ arguments over */
        for i, phi := range bb.Phi {
            if v, ok := phi.V[e]; ok {
                fp[i].V[e] = v
                delete(phi.V, e)
            }
        }

        /* accumulate the profile */
        fw.Count += e.Count
        fw.Freq += edgeFrequency(e)

        /* retarget into the forwarder */
        predremove(bb, e)
        e.Dst = fw
        fw.Pred = append(fw.Pred, e)
    }

    /* attach the forwarder φ nodes, and re-route the merged values
     * through the forwarding edge */
    if len(bb.Phi) != 0 {
        fw.Phi = fp
        for _, phi := range bb.Phi {
            phi.V[fe] = regnewref(phi.R)
        }
    }

    /* the forwarding edge carries everything that was moved */
    fe.Count = fw.Count
    return fe
}

/* updateBBProfileForThreading discounts the frequency and count that a
 * threaded-away incoming edge used to contribute to bb and its taken
 * outgoing edge, then renormalizes the remaining branch
 * probabilities. */
func updateBBProfileForThreading(bb *BasicBlock, edgeFreq int64, count int64, taken *Edge) {
    if count > bb.Count {
        count = bb.Count
    }

    /* discount the counts */
    bb.Count -= count
    if count <= taken.Count {
        taken.Count -= count
    } else {
        taken.Count = 0
    }

    /* discount the taken probability */
    if bb.Freq != 0 {
        prob := int32(edgeFreq * ProbMax / bb.Freq)
        if prob > taken.Prob {
            prob = taken.Prob
        }
        taken.Prob -= prob
    }

    /* renormalize the outgoing probabilities */
    total := int64(0)
    for _, e := range bb.Succ {
        total += int64(e.Prob)
    }
    if total != 0 {
        for _, e := range bb.Succ {
            e.Prob = int32(int64(e.Prob) * ProbMax / total)
        }
    }

    /* discount the block frequency */
    if bb.Freq -= edgeFreq; bb.Freq < 0 {
        bb.Freq = 0
    }
}
