// Package quota реализует квотную сагу с exactly-once семантикой.
//
// Жизненный цикл квоты на task: Reserve при старте (атомарная проверка
// и списание баланса), затем ровно один финал — Confirm при успехе или
// Cancel с возвратом при любом неуспехе. Повторный вызов того же
// финала — идемпотентный no-op; смешанный финал (confirm после cancel
// и наоборот) — нарушение инварианта и алерт, а не тихая порча данных.
package quota
