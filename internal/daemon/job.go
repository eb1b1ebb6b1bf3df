package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingbridge/internal/agent"
	"github.com/ehrlich-b/wingbridge/internal/e2e"
	"github.com/ehrlich-b/wingbridge/internal/logger"
	"github.com/ehrlich-b/wingbridge/internal/mailbox"
)

// job is one dispatched request. When failure is set the runner is skipped
// and a failure response is published instead; plain failures go out
// unencrypted because no shared key exists.
type job struct {
	session string
	message string
	key     e2e.Key
	prompt  string
	failure string
	plain   bool
	detail  string

	state *msgState // owned by the loop; only carried back in the result
}

type jobResult struct {
	session   string
	message   string
	status    string // StatusDone or StatusError; empty when cancelled
	detail    string
	published bool
	elapsed   time.Duration
	fatal     error
	state     *msgState
}

type jobStreaming struct {
	session, message string
}

func (d *Daemon) runJob(ctx context.Context, j *job) jobResult {
	start := time.Now()
	res := d.execute(ctx, j)
	res.session, res.message, res.state = j.session, j.message, j.state
	res.elapsed = time.Since(start)
	return res
}

func (d *Daemon) execute(ctx context.Context, j *job) jobResult {
	if j.failure != "" {
		return d.finish(ctx, j, StatusError, j.failure, j.plain, j.detail)
	}

	if err := d.mbox.Publish(ctx, statusPath(d.uid, j.session, j.message), StatusProcessing); err != nil {
		if r, stop := d.publishFailed(ctx, j, err); stop {
			return r
		}
	}

	workDir, streamOutput := d.runnerConfig()
	d.log.Debug("running request", "session", j.session, "message", j.message, "prompt", logger.Preview(j.prompt, 40))
	stream, err := d.runner.Run(ctx, agent.Invocation{Prompt: j.prompt, WorkDir: workDir})
	var text string
	if err == nil {
		if streamOutput {
			text, err = d.streamPartials(ctx, j, stream)
		} else {
			text, err = stream.Drain()
		}
	}
	if err != nil {
		if mailbox.IsFatal(err) {
			return jobResult{fatal: err}
		}
		if ctx.Err() != nil {
			return jobResult{}
		}
		msg, detail := describeFailure(err)
		d.log.Warn("request failed", "session", j.session, "message", j.message, "reason", detail)
		return d.finish(ctx, j, StatusError, msg, false, detail)
	}
	return d.finish(ctx, j, StatusDone, text, false, "")
}

// streamPartials publishes the accumulated output as a streaming response at
// most once per stream interval. Each partial replaces the last at the same
// response id.
func (d *Daemon) streamPartials(ctx context.Context, j *job, stream *agent.Stream) (string, error) {
	limiter := rate.NewLimiter(rate.Every(d.streamInterval), 1)
	announced := false
	for {
		if _, ok := stream.Next(); !ok {
			break
		}
		if !limiter.Allow() {
			continue
		}
		ct, nonce, err := e2e.EncryptString(stream.Text(), j.key)
		if err != nil {
			continue
		}
		err = d.mbox.Publish(ctx, messagePath(d.uid, j.session, ResponseID(j.message)), Message{
			Role:       RoleAssistant,
			Ciphertext: ct,
			Nonce:      nonce,
			Encrypted:  true,
			Status:     StatusStreaming,
			Timestamp:  d.now().UnixMilli(),
			ReplyTo:    j.message,
		})
		if err != nil {
			if mailbox.IsFatal(err) {
				return "", err
			}
			d.log.Warn("publish partial response", "session", j.session, "message", j.message, "err", err)
			continue
		}
		if !announced {
			announced = true
			select {
			case d.events <- jobStreaming{session: j.session, message: j.message}:
			case <-ctx.Done():
			}
		}
	}
	return stream.Text(), stream.Err()
}

// finish publishes the final response, then the request's terminal status.
// A response record the mailbox refuses is replaced with a short error at
// the same id, so the request is never marked without an answer.
func (d *Daemon) finish(ctx context.Context, j *job, status, text string, plain bool, detail string) jobResult {
	resp, status, detail := d.response(j, status, text, plain, detail)

	res := jobResult{status: status, detail: detail, published: true}
	respPath := messagePath(d.uid, j.session, ResponseID(j.message))
	if err := d.mbox.Publish(ctx, respPath, resp); err != nil {
		if r, stop := d.publishFailed(ctx, j, err); stop {
			return r
		}
		resp, status, _ = d.response(j, StatusError, msgResponseRejected, plain, "")
		res.status, res.detail = status, "response rejected"
		if err := d.mbox.Publish(ctx, respPath, resp); err != nil {
			if r, stop := d.publishFailed(ctx, j, err); stop {
				return r
			}
			res.published = false
		}
	}
	if err := d.mbox.Publish(ctx, statusPath(d.uid, j.session, j.message), status); err != nil {
		if r, stop := d.publishFailed(ctx, j, err); stop {
			return r
		}
		res.published = false
	}
	return res
}

// response builds the response record for j. Encryption failures turn it
// into a plaintext error.
func (d *Daemon) response(j *job, status, text string, plain bool, detail string) (Message, string, string) {
	resp := Message{
		Role:      RoleAssistant,
		Status:    status,
		Timestamp: d.now().UnixMilli(),
		ReplyTo:   j.message,
	}
	if plain {
		resp.Error = text
		return resp, status, detail
	}
	ct, nonce, err := e2e.EncryptString(text, j.key)
	if err != nil {
		d.log.Error("encrypt response", "session", j.session, "message", j.message, "err", err)
		resp.Status, resp.Error = StatusError, msgEncryptFailure
		return resp, StatusError, "encrypt failed"
	}
	resp.Ciphertext, resp.Nonce, resp.Encrypted = ct, nonce, true
	return resp, status, detail
}

// publishFailed decides whether a failed publish ends the job. Fatal
// credential errors stop the daemon; cancellation abandons the job. Anything
// else was already retried by the mailbox client and is logged.
func (d *Daemon) publishFailed(ctx context.Context, j *job, err error) (jobResult, bool) {
	switch {
	case mailbox.IsFatal(err):
		return jobResult{fatal: err}, true
	case ctx.Err() != nil:
		return jobResult{}, true
	}
	d.log.Error("publish", "session", j.session, "message", j.message, "err", err)
	return jobResult{}, false
}

// describeFailure turns a runner error into the response text and a short
// ledger detail that carries no user data.
func describeFailure(err error) (msg, detail string) {
	var se *agent.SpawnError
	switch {
	case errors.Is(err, agent.ErrNotConfigured):
		return msgNotConfigured, "not configured"
	case errors.As(err, &se):
		if se.ExitCode != 0 {
			return se.Error(), fmt.Sprintf("exit code %d", se.ExitCode)
		}
		return se.Error(), "spawn failed"
	}
	return err.Error(), "runner error"
}
