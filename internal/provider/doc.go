// Package provider содержит реестр провайдеров и circuit breaker.
//
// Провайдер — внешний вендор, выполняющий работу одного шага через
// контракт Execute(payload) → payload с классифицированными ошибками
// (transient/permanent). Registry разрешает ссылку в провайдера,
// оборачивает каждый вызов в per-provider circuit breaker
// (closed/open/half_open) и ведёт health-статистику для маршрутизации
// и операционных эндпоинтов. Взвешенный выбор внутри группы
// эквивалентных провайдеров даёт fallback при открытом breaker'е.
package provider
