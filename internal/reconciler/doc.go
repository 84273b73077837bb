// Package reconciler реализует фоновую сверку состояния tasks.
//
// Движок держит выполнение task в памяти: если процесс умирает, task
// остаётся в RUNNING навсегда, а резерв квоты — подвешенным. Reconciler
// периодически проходит по БД и приводит такие tasks к консистентному
// состоянию: зависшие RUNNING фейлятся с возвратом квоты, осиротевшие
// PENDING переотправляются в очередь.
//
// В кластере sweep выполняет одна реплика-лидер, выбранная через
// PostgreSQL advisory lock.
package reconciler
