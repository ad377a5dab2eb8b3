package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
	"github.com/hubenschmidt/patient-followup/gateway/internal/ws"
)

const (
	frameInterval = 20 * time.Millisecond
	// quietGap marks the end of a burst of outbound audio.
	quietGap = 400 * time.Millisecond
)

type callResult struct {
	success    bool
	greetingMs float64
	replyMs    float64
	sent       int
	duplicates int
	err        string
}

type phase int

const (
	awaitGreeting phase = iota
	hearingGreeting
	speaking
	awaitReply
	listening
)

type received struct {
	ev ws.Event
	at time.Time
}

// caller is the inbound side of one simulated media stream.
type caller struct {
	conn     *websocket.Conn
	sid      string
	seq      int
	media    int
	dupEvery int
	res      *callResult
}

func runCall(o options, speech [][]byte) callResult {
	var res callResult
	conn, _, err := websocket.DefaultDialer.Dial(strings.TrimRight(o.url, "/")+"/"+o.consultationID, nil)
	if err != nil {
		res.err = fmt.Sprintf("dial: %v", err)
		return res
	}
	defer conn.Close()

	c := &caller{conn: conn, sid: streamSid(), dupEvery: o.duplicateEvery, res: &res}
	inbound := make(chan received, 256)
	done := make(chan struct{})
	defer close(done)
	go readOutbound(conn, inbound, done)

	if err := c.send(connectedEvent()); err != nil {
		res.err = err.Error()
		return res
	}
	if err := c.send(startEvent(c.next(), c.sid)); err != nil {
		res.err = err.Error()
		return res
	}

	started := time.Now()
	deadline := started.Add(o.callTimeout)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var (
		state       = awaitGreeting
		greetStart  time.Time
		lastOut     time.Time
		greetFrames int
		spoken      int
		speechEnd   time.Time
	)
	silence := pipeline.SilenceFrame()

	for {
		select {
		case m, ok := <-inbound:
			if !ok {
				res.err = "connection closed before end of call"
				return res
			}
			switch m.ev.Event {
			case ws.EventMedia:
				lastOut = m.at
				switch state {
				case awaitGreeting:
					res.greetingMs = ms(m.at.Sub(started))
					greetStart = m.at
					state = hearingGreeting
					greetFrames++
				case hearingGreeting:
					greetFrames++
				case awaitReply:
					res.replyMs = ms(m.at.Sub(speechEnd))
					state = listening
				}
			case ws.EventMark:
				if m.ev.Mark != nil && m.ev.Mark.Name == conversation.EndMark {
					c.send(stopEvent(c.next(), c.sid))
					res.success = true
					return res
				}
			}

		case now := <-ticker.C:
			if now.After(deadline) {
				c.send(stopEvent(c.next(), c.sid))
				res.err = "timed out waiting for end of call"
				return res
			}
			frame := silence
			switch state {
			case hearingGreeting:
				if greetingPlayed(now, greetStart, lastOut, greetFrames) {
					state = speaking
				}
			case speaking:
				frame = speech[spoken]
				spoken++
				if spoken == len(speech) {
					speechEnd = now
					state = awaitReply
				}
			}
			if err := c.sendMedia(frame); err != nil {
				res.err = err.Error()
				return res
			}
		}
	}
}

// greetingPlayed reports whether the caller would have heard the whole greeting.
func greetingPlayed(now, start, lastOut time.Time, frames int) bool {
	return now.Sub(lastOut) >= quietGap && now.Sub(start) >= time.Duration(frames)*frameInterval
}

func readOutbound(conn *websocket.Conn, out chan<- received, done <-chan struct{}) {
	defer close(out)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := ws.ParseEvent(data)
		if err != nil {
			continue
		}
		select {
		case out <- received{ev: ev, at: time.Now()}:
		case <-done:
			return
		}
	}
}

func (c *caller) next() int {
	c.seq++
	return c.seq
}

func (c *caller) send(ev ws.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.Event, err)
	}
	return nil
}

// sendMedia sends one frame and redelivers it when the duplicate cadence hits.
func (c *caller) sendMedia(frame []byte) error {
	c.media++
	ev := mediaEvent(c.next(), c.sid, c.media, frame)
	if err := c.send(ev); err != nil {
		return err
	}
	c.res.sent++
	if c.dupEvery > 0 && c.media%c.dupEvery == 0 {
		c.res.duplicates++
		return c.send(ev)
	}
	return nil
}

func streamSid() string {
	return "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func connectedEvent() ws.Event {
	return ws.Event{Event: ws.EventConnected}
}

func startEvent(seq int, sid string) ws.Event {
	return ws.Event{
		Event:          ws.EventStart,
		SequenceNumber: strconv.Itoa(seq),
		StreamSid:      sid,
		Start: &ws.StartPayload{
			StreamSid: sid,
			CallSid:   "CA" + sid[2:],
			Tracks:    []string{"inbound"},
			MediaFormat: ws.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: pipeline.TelephonyRate,
				Channels:   1,
			},
		},
	}
}

// mediaEvent builds the n'th inbound media frame; timestamps advance 20 ms per chunk.
func mediaEvent(seq int, sid string, chunk int, frame []byte) ws.Event {
	return ws.Event{
		Event:          ws.EventMedia,
		SequenceNumber: strconv.Itoa(seq),
		StreamSid:      sid,
		Media: &ws.MediaPayload{
			Track:     "inbound",
			Chunk:     strconv.Itoa(chunk),
			Timestamp: strconv.FormatInt(int64(chunk-1)*frameInterval.Milliseconds(), 10),
			Payload:   base64.StdEncoding.EncodeToString(frame),
		},
	}
}

func stopEvent(seq int, sid string) ws.Event {
	return ws.Event{Event: ws.EventStop, SequenceNumber: strconv.Itoa(seq), StreamSid: sid}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
