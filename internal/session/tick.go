package session

import (
	"context"
	"fmt"

	"github.com/1ureka/sensorlink/internal/audio"
	"github.com/1ureka/sensorlink/internal/buffer"
	"github.com/1ureka/sensorlink/internal/codec"
	"github.com/1ureka/sensorlink/internal/sensor"
	"github.com/1ureka/sensorlink/internal/util"
)

// Tick produces and sends one frame. It is driven externally, once per
// capture cycle. Ticks never overlap: a tick that arrives while another is
// sending is skipped. Outside Streaming a tick does nothing.
//
// A failed send is logged and tolerated; when the consecutive failures
// exceed the threshold the session moves to Failed and the error wrapping
// ErrTransportFailure is returned.
func (m *Manager) Tick(ctx context.Context) error {
	if !m.tickMu.TryLock() {
		m.skipped.Add(1)
		util.LogDebug("tick skipped: previous frame still sending")
		return nil
	}
	defer m.tickMu.Unlock()

	m.mu.Lock()
	if m.state != Streaming {
		m.mu.Unlock()
		return nil
	}
	conn, buffers, proc := m.conn, m.buffers, m.processor
	id, gen := m.sessionID, m.generation
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	m.acquire(buffers)
	frame := m.assemble(buffers, proc)
	if len(frame.Entries) == 0 {
		return nil
	}
	frame.Session = id
	frame.Seq = seq

	data, err := EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err = conn.Send(sendCtx, data)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	// the session changed underneath the send; its result no longer matters
	if gen != m.generation || m.state != Streaming {
		return nil
	}

	if err != nil {
		m.failures++
		util.Stats.AddFailure()
		util.LogWarning("frame %d send failed (%d in a row): %v", seq, m.failures, err)

		if m.failures > m.threshold {
			failure := fmt.Errorf("%w: %d consecutive send failures: %w", ErrTransportFailure, m.failures, err)
			m.releaseLocked()
			m.lastErr = failure
			m.setStateLocked(Failed)
			util.LogError("streaming stopped: %v", failure)
			return failure
		}
		return nil
	}

	m.failures = 0
	util.Stats.AddFrame()
	return nil
}

// acquire polls the capture source once per enabled modality.
func (m *Manager) acquire(buffers *buffer.Set) {
	for _, mod := range buffers.Enabled() {
		if mod == sensor.Mesh {
			continue
		}
		if sample, ok := m.source.TryAcquireSample(mod); ok {
			buffers.Push(sample)
		}
	}
}

// assemble drains the enabled buffers into a fresh frame.
func (m *Manager) assemble(buffers *buffer.Set, proc *audio.Processor) Frame {
	entries := make(map[sensor.Modality][][]byte)

	for _, mod := range buffers.Enabled() {
		b, _ := buffers.Get(mod)
		samples := b.Drain()

		switch mod {
		case sensor.Mesh:
			// pushed mesh samples are already encoded chunks
			for _, s := range samples {
				entries[mod] = append(entries[mod], s.Data)
			}
			for _, chunk := range m.freshMesh() {
				entries[mod] = append(entries[mod], chunk)
			}

		case sensor.Audio:
			if proc == nil {
				continue
			}
			for _, s := range samples {
				if err := proc.Write(s.Data); err != nil {
					util.LogDebug("audio sample dropped: %v", err)
				}
			}
			if pcm := proc.Flush(); len(pcm) > 0 {
				entries[mod] = [][]byte{pcm}
			}

		default:
			transform := m.transform(mod)
			for _, s := range samples {
				payload, err := transform.Encode(s.Data)
				if err != nil {
					util.LogWarning("%s sample dropped: %v", mod, err)
					continue
				}
				entries[mod] = append(entries[mod], payload)
			}
		}
	}

	return Frame{
		Timestamp: m.clock.Now().UnixMilli(),
		Degraded:  !m.clock.IsSynchronized(),
		Entries:   entries,
	}
}

// freshMesh asks the source for current geometry and encodes it.
func (m *Manager) freshMesh() [][]byte {
	ms, ok := m.source.(sensor.MeshSource)
	if !ok {
		return nil
	}
	mesh, ok := ms.TryAcquireMesh()
	if !ok {
		return nil
	}

	chunks, err := m.encoder.Encode(mesh)
	if err != nil {
		util.LogWarning("mesh dropped: %v", err)
		return nil
	}
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c
	}
	return out
}

func (m *Manager) transform(mod sensor.Modality) codec.Transform {
	if t, ok := m.transforms[mod]; ok {
		return t
	}
	return codec.Passthrough{}
}
