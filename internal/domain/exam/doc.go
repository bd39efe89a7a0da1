// Package exam содержит доменную модель попытки пробного экзамена.
//
// Пакет определяет:
//
//   - Сущности: Instance (попытка студента) и Section (одна из четырёх секций)
//   - Value Objects: Mode, Status, SectionType, SectionStatus, TypeConfig
//   - Интерфейс репозитория: Repository
//
// # Жизненный цикл попытки
//
//	not_started → in_progress ⇄ paused → completed
//	not_started | in_progress | paused → expired
//
// completed и expired - терминальные состояния.
//
// # Режимы
//
// full_mock - все четыре секции проходятся последовательно в порядке
// TypeConfig.Sections, оплата 1.0 кредита при создании. Завершение
// секции с порядком k открывает секцию k+1.
//
// section - все секции доступны сразу, каждая завершённая секция
// оплачивается отдельно (0.25). Студент может закрыть сессию с любым
// непустым набором завершённых секций через FinishSession.
//
// # Пример
//
//	inst, err := exam.NewInstance(exam.CreateParams{
//	    ID:         shared.InstanceID(uuid.NewString()),
//	    StudentID:  actor.StudentID,
//	    PoolID:     pool.ID,
//	    ExamType:   pool.ExamType,
//	    Mode:       exam.ModeFullMock,
//	    ExamNumber: next,
//	    Now:        clock.Now(),
//	})
//
//	res, err := inst.CompleteSection(exam.SectionListening, 32, 40, clock.Now())
//	// res.NextUnlocked == []SectionType{SectionReading}
//
// Домен не знает о хранилище и транзакциях: списание кредитов и
// оптимистичная блокировка выполняются на уровне application.
package exam
