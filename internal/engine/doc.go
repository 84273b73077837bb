// Package engine компилирует pipeline-схему в план выполнения.
//
// Схема — версионированный граф узлов (provider/fork/join) и рёбер.
// Компиляция линеаризует граф: главная ветка — последовательность
// сегментов, каждый паттерн FORK→JOIN сворачивается в ForkBlock с
// набором параллельных веток. Валидация отклоняет циклы, FORK без
// общего JOIN, неизвестных провайдеров и несовместимые типы payload
// на смежных узлах.
package engine
