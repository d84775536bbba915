//go:build windows

package brokers

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// Режимы доступа MSMQ
const (
	mqReceiveAccess = 1
	mqDenyNone      = 0
)

// receiveTimeoutMs - лимит одного Receive, чтобы заметить отмену
const receiveTimeoutMs = 1000

// MSMQ читает очередь Microsoft Message Queuing через COM API.
// Receive удаляет сообщение из очереди: при ошибке emit оно теряется,
// если очередь не транзакционная.
type MSMQ struct {
	config    MSMQConfig
	tag       string
	queueInfo *ole.IDispatch
	recvQueue *ole.IDispatch
	logger    zerolog.Logger
}

// NewMSMQ создает источник. COM инициализируется в Run
func NewMSMQ(cfg MSMQConfig, tag string, logger zerolog.Logger) (*MSMQ, error) {
	if cfg.QueuePath == "" {
		return nil, fmt.Errorf("queue_path is required for MSMQ (example: \".\\private$\\loadmulti\")")
	}
	cfg.QueuePath = normalizeQueuePath(cfg.QueuePath)
	return &MSMQ{config: cfg, tag: tag, logger: logger}, nil
}

// Run открывает очередь и опрашивает ее до отмены ctx. COM объекты привязаны
// к потоку ОС, поэтому горутина закреплена за потоком на все время работы.
func (m *MSMQ) Run(ctx context.Context, emit EmitFunc) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		return fmt.Errorf("failed to initialize COM: %w", err)
	}
	defer ole.CoUninitialize()

	if err := m.open(); err != nil {
		return err
	}
	defer m.release()

	for ctx.Err() == nil {
		body, ok, err := m.receive()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		ev, err := chunk.DecodeEvent(body, m.tag, time.Now())
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		if err := emit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to buffer message: %w", err)
		}
	}
	return nil
}

func (m *MSMQ) open() error {
	unknown, err := oleutil.CreateObject("MSMQ.MSMQQueueInfo")
	if err != nil {
		return fmt.Errorf("failed to create MSMQ.MSMQQueueInfo object (is MSMQ installed?): %w", err)
	}
	defer unknown.Release()

	m.queueInfo, err = unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("failed to query IDispatch interface: %w", err)
	}
	if _, err := oleutil.PutProperty(m.queueInfo, "PathName", m.config.QueuePath); err != nil {
		return fmt.Errorf("failed to set queue path: %w", err)
	}

	result, err := oleutil.CallMethod(m.queueInfo, "Open", mqReceiveAccess, mqDenyNone)
	if err != nil {
		return fmt.Errorf("failed to open queue %s for receiving: %w", m.config.QueuePath, err)
	}
	m.recvQueue = result.ToIDispatch()
	return nil
}

// receive ждет сообщение до receiveTimeoutMs. ok == false по таймауту
func (m *MSMQ) receive() (body []byte, ok bool, err error) {
	result, err := oleutil.CallMethod(m.recvQueue, "Receive", nil, nil, nil, receiveTimeoutMs)
	if err != nil {
		if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "Queue is empty") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to receive message: %w", err)
	}

	msg := result.ToIDispatch()
	if msg == nil {
		return nil, false, nil
	}
	defer msg.Release()

	variant, err := oleutil.GetProperty(msg, "Body")
	if err != nil {
		return nil, false, fmt.Errorf("failed to get message body: %w", err)
	}
	switch v := variant.Value().(type) {
	case []byte:
		return v, true, nil
	case string:
		return []byte(v), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported message body type %T", v)
	}
}

func (m *MSMQ) release() {
	if m.recvQueue != nil {
		if _, err := oleutil.CallMethod(m.recvQueue, "Close"); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close receive queue")
		}
		m.recvQueue.Release()
		m.recvQueue = nil
	}
	if m.queueInfo != nil {
		m.queueInfo.Release()
		m.queueInfo = nil
	}
}

func (m *MSMQ) Type() string { return TypeMSMQ }

// Close ничего не делает: COM объекты освобождает Run в своем потоке
func (m *MSMQ) Close() error { return nil }

// normalizeQueuePath добавляет локальный private путь к короткому имени
func normalizeQueuePath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, ".\\") && !strings.HasPrefix(path, "private$") {
		path = ".\\private$\\" + path
	}
	return path
}
