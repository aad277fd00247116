// Package logging wraps zap with the correlation fields a quality run
// produces: the active trace, the agent identity, and the spiral
// position.
//
// # Usage
//
// Build a logger from config and thread correlation through context:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithAgentID(ctx, "agent-7")
//	ctx = logging.WithSpiral(ctx, "spiral/3f2a91c")
//	logger.Info(ctx, "spiral opened", zap.String("base", base.Short()))
//
// Every entry carries the context fields automatically:
//
//	{"level":"info","msg":"spiral opened","agent.id":"agent-7",
//	 "spiral":"spiral/3f2a91c","trace_id":"..."}
//
// Components that want a plain *zap.Logger take Underlying().
//
// # Levels
//
// A Trace level below Debug exists for wire-level detail. Error and
// above are never sampled; lower levels are rate-limited per the
// sampling config.
//
// # Redaction
//
// The encoder redacts by field name (token, api_key, ...) and by value
// pattern (bearer headers, GitHub tokens) so a CI credential cannot
// reach a log sink. config.Secret values redact themselves a layer
// earlier; the encoder is the backstop.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "merge applied")
//	tl.AssertLogged(t, zapcore.InfoLevel, "merge applied")
//	tl.AssertNoSecrets(t)
package logging
