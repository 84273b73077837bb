// Package executor выполняет отдельные шаги pipeline.
//
// Executor получает узел схемы и вход шага, разрешает провайдера
// (прямая ссылка или взвешенный выбор по типу), выполняет вызов с
// retry по политике узла (exponential backoff, ограничение попыток)
// и классификацией ошибок: transient — повторяем, permanent — падаем
// сразу. Открытый circuit breaker провайдера — повод переключиться на
// эквивалентного провайдера той же группы, если он есть.
package executor
