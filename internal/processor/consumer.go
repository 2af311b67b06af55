package processor

import (
	"context"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/textproc"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
)

// runConsumer reads token events until the latch trips, pushing each fragment
// through the chunker→cleaner pipeline and emitting tts_ready_chunk events.
// On the latch it drains whatever is still buffered, flushes the chunker's
// residual text, and signals consumerDone.
func (p *MessageProcessor) runConsumer(ctx context.Context, t *Turn) {
	defer close(t.consumerDone)

	tokens := t.tokensChan()
	if tokens == nil {
		return
	}

	for {
		select {
		case ev := <-tokens:
			p.processToken(t, ev)

		case <-t.tokensClosed:
			// The producer stops sending before tripping the latch, so what
			// is buffered now is all there will ever be.
			for {
				select {
				case ev := <-tokens:
					p.processToken(t, ev)
				default:
					p.flushResidual(t)
					return
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// processToken feeds one token fragment through the sentence pipeline.
func (p *MessageProcessor) processToken(t *Turn, ev agent.Event) {
	for _, sentence := range t.chunker.Process(ev.Chunk) {
		p.emitChunk(t, sentence)
	}
}

// flushResidual emits the chunker's leftover buffer as a final chunk.
func (p *MessageProcessor) flushResidual(t *Turn) {
	if rest := t.chunker.Flush(); rest != "" {
		p.emitChunk(t, rest)
	}
}

// emitChunk cleans one sentence and, if anything speakable survives, enqueues
// a tts_ready_chunk event.
func (p *MessageProcessor) emitChunk(t *Turn, sentence string) {
	clean, emotion := t.cleaner.Process(sentence)
	if !textproc.HasSpeakable(clean) {
		return
	}

	t.appendResponse(clean)
	ev := agent.Event{
		Type:    agent.EventTTSChunk,
		Chunk:   clean,
		Emotion: emotion,
	}
	p.normalize(t, &ev)
	p.putEvent(t, ev)
	p.metrics.TTSChunkEmitted()
}
