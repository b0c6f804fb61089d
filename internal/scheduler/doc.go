// Package scheduler снимает отложенные команды, чей срок ожидания истёк.
//
// Структура:
//   - scheduler.go — Scheduler (Start, Stop, Tick)
//   - cron.go      — парсинг cron-выражения тика
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Pending: pendingRepo,
//	    Logs:    logRepo,
//	    Spec:    "@every 1s",
//	    Logger:  logger,
//	})
//
//	if err := sched.Start(ctx); err != nil {
//	    logger.Error("failed to start scheduler", "error", err)
//	}
//	defer sched.Stop()
package scheduler
