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

type _BBDomStatus uint8

const (
    /* the candidate does not dominate the latch of the loop */
    _DomstNondominating _BBDomStatus = iota

    /* the loop is broken, there is no path from the header to the
     * latch any more */
    _DomstLoopBroken

    /* the candidate dominates the latch of the loop */
    _DomstDominating
)

/* determineBBDominationStatus evaluates how bb relates to the latch of
 * the loop. Only a dominating candidate permits peeling the header,
 * anything else would create a subloop or means the loop is gone. */
func determineBBDominationStatus(cfg *CFG, loop *Loop, bb *BasicBlock) _BBDomStatus {
    found := false

    /* bb must be a direct successor of the header, anything else is
     * safely non-dominating */
    for _, e := range bb.Pred {
        if e.Src == loop.Header {
            found = true
            break
        }
    }
    if !found {
        return _DomstNondominating
    }

    /* the latch trivially dominates itself */
    if bb == loop.Latch {
        return _DomstDominating
    }

    /* walk backwards from the latch with the header and bb acting as
     * barriers. A path reaching the header means bb is bypassed, and
     * never reaching bb means the header no longer reaches the latch
     * at all. */
    reachable := false
    limit := len(cfg.Blocks())
    bbs := dfsEnumerateFrom(loop.Latch, true, func(p *BasicBlock) bool {
        return p != bb && p != loop.Header
    }, limit)

    /* inspect the fringe of the enumeration */
    for _, p := range bbs {
        for _, e := range p.Pred {
            if e.Src == loop.Header {
                return _DomstNondominating
            }
            if e.Src == bb {
                reachable = true
            }
        }
    }

    /* the latch was enumerated but bb never showed up on the fringe */
    if reachable {
        return _DomstDominating
    } else {
        return _DomstLoopBroken
    }
}

/* defSplitHeaderContinueP accepts the blocks that form the new
 * preheader chain once the latch is threaded: everything from the old
 * header down to (but excluding) the new header, staying within its
 * loop nest. */
func defSplitHeaderContinueP(bb *BasicBlock, newHeader *BasicBlock) bool {
    if bb == newHeader || loopDepth(bb.Loop) < loopDepth(newHeader.Loop) {
        return false
    }
    for l := bb.Loop; l != nil; l = l.Outer {
        if l == newHeader.Loop {
            return true
        }
    }
    return false
}

/* createPreheader gives the loop a dedicated preheader block by moving
 * every entry edge off the header, keeping only the latch edge on it. */
func createPreheader(cfg *CFG, loop *Loop) *BasicBlock {
    kj := loopLatchEdge(loop)
    if kj == nil {
        return nil
    }

    /* the forwarder becomes the preheader, it lives in the enclosing
     * loop */
    fe := makeForwarderBlock(cfg, loop.Header, kj)
    fe.Src.Loop = loopOuter(loop)
    return fe.Src
}

func (self *JumpThreading) cancelHeaderThreads(header *BasicBlock) bool {
    for _, e := range header.Pred {
        if e.Aux != nil {
            self.cancel(e)
        }
    }
    return false
}

/* threadThroughLoopHeader threads the requests pending on the header
 * of the loop. Header-to-exit requests were already handled, so every
 * request left points into the loop and the rewiring must not create a
 * multiple-entry loop, extra latches, or new subloops. Two shapes are
 * handled: the latch edge threaded to a block dominating the latch
 * (the old header peels out of the loop), and all entry edges threaded
 * to a single block dominating the latch (the branch rotates to the
 * bottom of the loop). */
func (self *JumpThreading) threadThroughLoopHeader(cfg *CFG, loop *Loop, mayPeelLoopHeaders bool) bool {
    var tgtBB *BasicBlock
    var tgtEdge *Edge

    /* the latch edge must be unique and the header must actually
     * branch */
    header := loop.Header
    latch := loopLatchEdge(loop)
    if latch == nil || singleSuccP(header) {
        return self.cancelHeaderThreads(header)
    }

    /* latch-threading determines the target by itself */
    if latch.Aux != nil {
        path := latch.Aux
        if path.At(1).Kind == CopySrcJoinerBlock {
            return self.cancelHeaderThreads(header)
        }
        tgtEdge = path.At(1).E
        tgtBB = tgtEdge.Dst
    } else if !mayPeelLoopHeaders && !redirectionBlockP(header) {
        /* peeling copies the header statements into the preceding
         * code, refuse unless the header is a pure redirection */
        return self.cancelHeaderThreads(header)
    } else {
        /* every entry edge must agree on one non-joiner target, an
         * unthreaded entry or a second target would create a
         * multiple-entry loop */
        for _, e := range header.Pred {
            if e.Aux == nil {
                if e == latch {
                    continue
                }
                return self.cancelHeaderThreads(header)
            }

            /* collect the common target */
            path := e.Aux
            if path.At(1).Kind == CopySrcJoinerBlock {
                return self.cancelHeaderThreads(header)
            }
            if tgtEdge = path.At(1).E; tgtBB == nil {
                tgtBB = tgtEdge.Dst
            } else if tgtBB != tgtEdge.Dst {
                return self.cancelHeaderThreads(header)
            }
        }

        /* no requests at all */
        if tgtBB == nil {
            return false
        }

        /* redirecting into an empty latch gains nothing */
        if tgtBB == loop.Latch && emptyBlockP(loop.Latch) {
            return self.cancelHeaderThreads(header)
        }
    }

    /* the target must dominate the latch, otherwise the rewiring would
     * carve a new subloop out of this one */
    switch determineBBDominationStatus(cfg, loop, tgtBB) {
        case _DomstNondominating: {
            return self.cancelHeaderThreads(header)
        }

        /* the loop ceased to exist, mark it as such and thread through
         * its former header without restrictions */
        case _DomstLoopBroken: {
            loop.Header = nil
            loop.Latch = nil
            cfg.loopsStateSet(LoopsNeedFixup)
            return self.threadBlock(cfg, header, false)
        }
    }

    /* when the target heads a subloop, give that subloop a preheader
     * so the two headers do not merge */
    if tgtBB.Loop != nil && tgtBB.Loop.Header == tgtBB {
        if len(tgtBB.Pred) <= 2 {
            tgtBB = splitEdge(cfg, tgtEdge)
        } else if tgtBB = createPreheader(cfg, tgtBB.Loop); tgtBB == nil {
            panic("jump threading: cannot create a preheader for the target subloop")
        }
    }

    /* entry-edge rotation */
    if latch.Aux == nil {
        var entry *Edge

        /* remember one entry edge, its destination after threading is
         * the new preheader */
        for _, e := range header.Pred {
            if e.Aux != nil {
                entry = e
                break
            }
        }

        /* the duplicate of the header is the new preheader, it belongs
         * to the enclosing loop */
        cfg.setLoopCopy(loop, loopOuter(loop))
        self.threadBlock(cfg, header, false)
        cfg.setLoopCopy(loop, nil)
        newPreheader := entry.Dst

        /* the original header has several successors and cannot be
         * the latch, synthesize a fresh single-successor latch in front
         * of the target */
        loop.Latch = nil
        kj := singleSuccEdge(newPreheader)
        loop.Header = kj.Dst
        latchEdge := makeForwarderBlock(cfg, tgtBB, kj)
        loop.Header = latchEdge.Dst
        loop.Latch = latchEdge.Src
        return true
    }

    /* latch-threading: copying the header does not give the loop a new
     * entry, and the copy becomes the new latch */
    cfg.setLoopCopy(loop, loop)
    loop.Latch = self.threadSingleEdge(cfg, latch)
    cfg.setLoopCopy(loop, nil)
    if singleSuccEdge(loop.Latch).Dst != tgtBB {
        panic("jump threading: the new latch must fall through to the new header")
    }
    loop.Header = tgtBB

    /* the old header blocks peeled out of the loop, re-parent them
     * into the enclosing loop */
    limit := len(cfg.Blocks())
    bbs := dfsEnumerateFrom(header, false, func(p *BasicBlock) bool {
        return defSplitHeaderContinueP(p, tgtBB)
    }, limit)
    for _, p := range bbs {
        if p.Loop == loop {
            p.Loop = loopOuter(loop)
        }
    }

    /* the rewiring may have left the new header with several latches */
    for _, e := range loop.Header.Pred {
        if e.Src.Loop == loop && e.Src != loop.Latch {
            loop.Latch = nil
            cfg.loopsStateSet(LoopsMayHaveMultipleLatches)
        }
    }

    /* cancel the remaining requests that would make this a
     * multiple-entry loop */
    for _, e := range header.Pred {
        if e.Aux == nil {
            continue
        }
        if e2 := e.Aux.last().E; e.Src.Loop != e2.Dst.Loop && e2.Dst != loop.Header {
            self.cancel(e)
        }
    }

    /* thread whatever requests remain through the former header */
    self.threadBlock(cfg, header, false)
    return true
}
