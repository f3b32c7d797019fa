package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	          (или) → CANCELLED (из PENDING или RUNNING)
//
// Статус run выводится из статусов его jobs (см. DeriveRunStatus),
// кроме CANCELLED — это явная операция пользователя.
type RunStatus string

const (
	// RunStatusPending — run создан, ни один job ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — хотя бы один job выполняется или готов к выполнению.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все jobs завершились успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — хотя бы один job исчерпал попытки.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled — run отменён пользователем.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// JobStatus — статус выполнения job.
//
// Жизненный цикл:
//
//	PENDING → READY → CLAIMED → RUNNING → SUCCEEDED
//	                                    ↘ FAILED → READY (retry, пока attempt < max_attempts)
//	          (или) → CANCELLED (из любого нефинального статуса)
//
// PENDING → READY происходит, когда все зависимости в SUCCEEDED.
// READY → CLAIMED выполняется только координатором транзакций одним
// guarded-запросом, который проверяет отсутствие claim (claimed_by IS NULL).
type JobStatus string

const (
	// JobStatusPending — job создан, зависимости ещё не удовлетворены.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusReady — зависимости удовлетворены, job ждёт executor'а.
	JobStatusReady JobStatus = "READY"

	// JobStatusClaimed — job захвачен executor'ом, но выполнение не началось.
	JobStatusClaimed JobStatus = "CLAIMED"

	// JobStatusRunning — job выполняется executor'ом.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusSucceeded — job успешно завершён.
	JobStatusSucceeded JobStatus = "SUCCEEDED"

	// JobStatusFailed — job завершился с ошибкой после всех попыток.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCancelled — job отменён (вместе с run).
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsClaimed возвращает true, если job захвачен executor'ом.
func (s JobStatus) IsClaimed() bool {
	return s == JobStatusClaimed || s == JobStatusRunning
}

// CanTransition проверяет допустимость перехода job из s в to.
//
// Переходы монотонны: из финального статуса выхода нет. Единственное
// «обратное» ребро — FAILED → READY (retry), которое координатор выполняет
// атомарно с проверкой лимита попыток. CANCELLED достижим из любого
// нефинального статуса (side-channel отмены).
func (s JobStatus) CanTransition(to JobStatus) bool {
	if to == JobStatusCancelled {
		return !s.IsTerminal()
	}

	switch s {
	case JobStatusPending:
		return to == JobStatusReady
	case JobStatusReady:
		return to == JobStatusClaimed
	case JobStatusClaimed:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to == JobStatusSucceeded || to == JobStatusFailed
	case JobStatusFailed:
		return to == JobStatusReady
	default:
		return false
	}
}

// DeriveRunStatus выводит статус run из статусов его jobs.
//
// Правила (приоритет сверху вниз):
//   - нет jobs — PENDING (run ещё не инициализирован);
//   - есть CANCELLED job — CANCELLED (отмена распространяется на все jobs);
//   - есть FAILED job — FAILED (FAILED здесь финален: retry возвращает job в READY);
//   - все SUCCEEDED — SUCCEEDED;
//   - есть хоть один начатый или готовый — RUNNING;
//   - иначе — PENDING.
func DeriveRunStatus(jobs []JobStatus) RunStatus {
	if len(jobs) == 0 {
		return RunStatusPending
	}

	allSucceeded := true
	anyStarted := false

	for _, s := range jobs {
		switch s {
		case JobStatusCancelled:
			return RunStatusCancelled
		case JobStatusFailed:
			return RunStatusFailed
		case JobStatusSucceeded:
			anyStarted = true
		case JobStatusReady, JobStatusClaimed, JobStatusRunning:
			allSucceeded = false
			anyStarted = true
		default:
			allSucceeded = false
		}
	}

	if allSucceeded {
		return RunStatusSucceeded
	}
	if anyStarted {
		return RunStatusRunning
	}
	return RunStatusPending
}
