// Package orchestrator управляет жизненным циклом tasks.
//
// Оркестратор — единственный владелец машины состояний task
// (PENDING → RUNNING → {COMPLETED|FAILED|CANCELLED}). Он получает
// tasks из очереди tasks.pending (с polling fallback по БД),
// резервирует квоту, компилирует схему в план и идёт по сегментам
// главной ветки: обычные узлы уходят в Step Executor, FORK-блоки —
// в координатор веток (branch.go), который держит JOIN-барьер со
// стратегиями ALL/ANY/FIRST. На терминальном статусе сага квоты
// подтверждается или отменяется ровно один раз, после чего
// публикуется событие tasks.finished.
package orchestrator
