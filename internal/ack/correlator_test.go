package ack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/model"
	"github.com/signalix/devicegate/internal/testutil/storetest"
)

type fixture struct {
	clk        *clock.Fake
	commands   *storetest.Commands
	messages   *storetest.Messages
	broadcast  *storetest.Broadcasts
	correlator *Correlator
}

func newFixture() *fixture {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	f := &fixture{
		clk:       clk,
		commands:  storetest.NewCommands(clk.Now),
		messages:  storetest.NewMessages(clk.Now),
		broadcast: &storetest.Broadcasts{},
	}
	f.correlator = NewCorrelator(f.commands, f.messages, f.broadcast, clk, zerolog.Nop())
	return f
}

func (f *fixture) seed(t *testing.T, action model.Action, correlation string) model.Command {
	t.Helper()
	cmd, _, err := f.commands.CreateSuperseding(context.Background(), model.Command{
		ID:       uuid.New(),
		DeviceID: "D10000",
		Action:   action,
		Payload:  model.CommandPayload{CommandID: correlation},
	}, "superseded")
	require.NoError(t, err)
	return cmd
}

func TestAcknowledge_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cmd := f.seed(t, model.ActionCallForward, "cf_D10000_0_1")

	a := model.Ack{Ref: cmd.ID.String(), Success: true, ResultCode: "*21*+1555#", Message: "ok"}
	first, err := f.correlator.Acknowledge(ctx, "D10000", a)
	require.NoError(t, err)
	second, err := f.correlator.Acknowledge(ctx, "D10000", a)
	require.NoError(t, err)

	require.NotNil(t, first.Command)
	require.NotNil(t, second.Command)
	assert.True(t, second.Command.Done)
	assert.Equal(t, *first.Command.ResultCode, *second.Command.ResultCode)
	assert.Equal(t, *first.Command.ExecutionMessage, *second.Command.ExecutionMessage)
	assert.Equal(t, []string{"command:ack", "command:ack"}, f.broadcast.Events())
}

func TestAcknowledge_ByCorrelationToken(t *testing.T) {
	f := newFixture()
	f.seed(t, model.ActionCallForward, "cf_D10000_0_1")

	res, err := f.correlator.Acknowledge(context.Background(), "D10000", model.Ack{Ref: "cf_D10000_0_1", Success: true})
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.True(t, res.Command.Done)
}

func TestAcknowledge_FailureKeepsPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cmd := f.seed(t, model.ActionCallForward, "cf_D10000_0_1")

	res, err := f.correlator.Acknowledge(ctx, "D10000", model.Ack{Ref: cmd.ID.String(), Success: false, Error: "USSD timeout"})
	require.NoError(t, err)
	assert.False(t, res.Command.Done)
	assert.Equal(t, "USSD timeout", *res.Command.Error)

	pending, _ := f.commands.ListPending(ctx, "D10000", 20)
	assert.Len(t, pending, 1, "failed commands are replayed on reconnect")
}

func TestAcknowledge_DoneIsTerminal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cmd := f.seed(t, model.ActionCallForward, "cf_D10000_0_1")

	_, err := f.correlator.Acknowledge(ctx, "D10000", model.Ack{Ref: cmd.ID.String(), Success: true})
	require.NoError(t, err)
	res, err := f.correlator.Acknowledge(ctx, "D10000", model.Ack{Ref: cmd.ID.String(), Success: false, Error: "late duplicate"})
	require.NoError(t, err)
	assert.True(t, res.Command.Done)
	assert.Nil(t, res.Command.Error, "a late ack does not rewrite the outcome")
}

func TestAcknowledge_SupersededKeepsMarker(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	old := f.seed(t, model.ActionCallForward, "cf_D10000_0_1")
	f.seed(t, model.ActionCallForward, "cf_D10000_0_2")

	res, err := f.correlator.Acknowledge(ctx, "D10000", model.Ack{Ref: old.ID.String(), Success: false, Error: "USSD failed"})
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.True(t, res.Command.Done)
	assert.Nil(t, res.Command.Error)
	require.NotNil(t, res.Command.ExecutionMessage)
	assert.Equal(t, "superseded", *res.Command.ExecutionMessage)

	pending, err := f.commands.ListPending(ctx, "D10000", 20)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAcknowledge_UnknownCommandIsWarning(t *testing.T) {
	f := newFixture()
	res, err := f.correlator.Acknowledge(context.Background(), "D10000", model.Ack{Ref: uuid.NewString(), Success: true})
	require.NoError(t, err)
	assert.Equal(t, WarnUnknownCommand, res.Warning)
	assert.Nil(t, res.Command)
	assert.Empty(t, f.broadcast.Events())
}

func TestAcknowledge_MissingRef(t *testing.T) {
	f := newFixture()
	_, err := f.correlator.Acknowledge(context.Background(), "D10000", model.Ack{Ref: "  "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAcknowledge_StoreError(t *testing.T) {
	f := newFixture()
	f.commands.Err = errors.New("connection refused")
	_, err := f.correlator.Acknowledge(context.Background(), "D10000", model.Ack{Ref: "x", Success: true})
	assert.ErrorIs(t, err, apperr.ErrStore)
}

func TestReportSent(t *testing.T) {
	t.Run("logs message and closes command", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		cmd := f.seed(t, model.ActionSendSMS, "sms_D10000_0_1")

		res, err := f.correlator.ReportSent(ctx, "D10000", SentReport{Address: "+1555", Body: "hello", Date: 1000, CommandID: cmd.ID.String()})
		require.NoError(t, err)
		assert.True(t, res.Logged)
		require.NotNil(t, res.Command)
		assert.True(t, res.Command.Done)
		assert.Equal(t, "SMS sent to +1555", *res.Command.ExecutionMessage)
		assert.Equal(t, model.MessageSent, res.Message.Type)
		assert.Equal(t, []string{"new-sms-sent", "command:ack"}, f.broadcast.Events())
	})

	t.Run("duplicate report is not logged twice", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		r := SentReport{Address: "+1555", Body: "hello", Date: 1000}
		_, err := f.correlator.ReportSent(ctx, "D10000", r)
		require.NoError(t, err)
		res, err := f.correlator.ReportSent(ctx, "D10000", r)
		require.NoError(t, err)
		assert.False(t, res.Logged)
		n, _ := f.messages.Count(ctx)
		assert.Equal(t, 1, n)
	})

	t.Run("message store failure still closes command", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		cmd := f.seed(t, model.ActionSendSMS, "sms_D10000_0_1")
		f.messages.Err = errors.New("disk full")

		res, err := f.correlator.ReportSent(ctx, "D10000", SentReport{Address: "+1555", Body: "hello", CommandID: cmd.CorrelationID()})
		assert.ErrorIs(t, err, apperr.ErrStore)
		require.NotNil(t, res.Command)
		assert.True(t, res.Command.Done)
	})

	t.Run("unknown command still logs message", func(t *testing.T) {
		f := newFixture()
		res, err := f.correlator.ReportSent(context.Background(), "D10000", SentReport{Address: "+1555", Body: "hello", CommandID: "gone"})
		require.NoError(t, err)
		assert.True(t, res.Logged)
		assert.Equal(t, WarnUnknownCommand, res.Warning)
	})

	t.Run("defaults date to now", func(t *testing.T) {
		f := newFixture()
		res, err := f.correlator.ReportSent(context.Background(), "D10000", SentReport{Address: "+1555", Body: "hello"})
		require.NoError(t, err)
		assert.Equal(t, f.clk.Now().UnixMilli(), res.Message.Date)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture()
		_, err := f.correlator.ReportSent(context.Background(), "abc", SentReport{Address: "+1", Body: "x"})
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = f.correlator.ReportSent(context.Background(), "D10000", SentReport{Body: "x"})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}
