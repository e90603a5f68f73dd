package sessions

import "sync"

// taskGroup учитывает фоновые задачи. После close новые задачи не принимаются,
// поэтому wait не пересекается с добавлением.
type taskGroup struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *taskGroup) add() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *taskGroup) done() { g.wg.Done() }

// spawn запускает fn в отдельной горутине. false, если группа уже закрыта.
func (g *taskGroup) spawn(fn func()) bool {
	if !g.add() {
		return false
	}
	go func() {
		defer g.done()
		fn()
	}()
	return true
}

func (g *taskGroup) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *taskGroup) wait() { g.wg.Wait() }

// serial выполняет задачи по одной в порядке постановки.
// Горутина живёт только пока очередь не пуста.
type serial struct {
	group   *taskGroup
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func newSerial(group *taskGroup) *serial {
	return &serial{group: group}
}

// Enqueue ставит задачу в очередь и сразу возвращается.
// После закрытия группы задача отбрасывается, если очередь уже остановлена.
func (q *serial) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		q.tasks = append(q.tasks, fn)
		return true
	}
	if !q.group.add() {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.running = true
	go q.drain()
	return true
}

func (q *serial) drain() {
	defer q.group.done()
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
