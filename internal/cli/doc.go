// Package cli содержит команды CLI-инструмента aiygw.
//
// Структура:
//   - client.go — HTTP-клиент для API движка
//   - output.go — форматирование вывода (таблицы / JSON)
//   - task.go   — команды task submit/show/list/cancel
//   - schema.go — команды schema publish/show/latest
//   - health.go — команды health providers и quota
//
// CLI не имеет прямого доступа к БД или очереди: всё взаимодействие
// идёт через HTTP API.
package cli
