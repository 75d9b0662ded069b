// Package mock holds hand-written go.uber.org/mock doubles for the
// importer package's collaborator interfaces, in the same
// gomock.Controller-driven style the wider trace-processing system uses
// for its own storage-layer test doubles.
package mock

import (
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"

	importer "github.com/nebulaperf/tracecore/internal/importer"
)

// MockStorage is a gomock double for importer.Storage.
type MockStorage struct {
	ctrl     *gomock.Controller
	recorder *MockStorageRecorder
}

// MockStorageRecorder records expected calls on a MockStorage.
type MockStorageRecorder struct {
	mock *MockStorage
}

// NewMockStorage returns a new mock bound to ctrl.
func NewMockStorage(ctrl *gomock.Controller) *MockStorage {
	m := &MockStorage{ctrl: ctrl}
	m.recorder = &MockStorageRecorder{m}
	return m
}

// EXPECT returns the recorder used to set call expectations.
func (m *MockStorage) EXPECT() *MockStorageRecorder { return m.recorder }

func (m *MockStorage) EmitSample(s importer.ResolvedSample) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "EmitSample", s)
}

func (r *MockStorageRecorder) EmitSample(s any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "EmitSample", reflect.TypeOf((*MockStorage)(nil).EmitSample), s)
}

func (m *MockStorage) EmitThreadStateChange(tid importer.ThreadID, ts importer.TraceTimestamp, comm string) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "EmitThreadStateChange", tid, ts, comm)
}

func (r *MockStorageRecorder) EmitThreadStateChange(tid, ts, comm any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "EmitThreadStateChange", reflect.TypeOf((*MockStorage)(nil).EmitThreadStateChange), tid, ts, comm)
}

func (m *MockStorage) IncrementStat(name string, delta int64) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "IncrementStat", name, delta)
}

func (r *MockStorageRecorder) IncrementStat(name, delta any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "IncrementStat", reflect.TypeOf((*MockStorage)(nil).IncrementStat), name, delta)
}

func (m *MockStorage) IncrementIndexedStat(name, key string, delta int64) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "IncrementIndexedStat", name, key, delta)
}

func (r *MockStorageRecorder) IncrementIndexedStat(name, key, delta any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "IncrementIndexedStat", reflect.TypeOf((*MockStorage)(nil).IncrementIndexedStat), name, key, delta)
}

// MockMappingTracker is a gomock double for importer.MappingTracker.
type MockMappingTracker struct {
	ctrl     *gomock.Controller
	recorder *MockMappingTrackerRecorder
}

type MockMappingTrackerRecorder struct {
	mock *MockMappingTracker
}

func NewMockMappingTracker(ctrl *gomock.Controller) *MockMappingTracker {
	m := &MockMappingTracker{ctrl: ctrl}
	m.recorder = &MockMappingTrackerRecorder{m}
	return m
}

func (m *MockMappingTracker) EXPECT() *MockMappingTrackerRecorder { return m.recorder }

func (m *MockMappingTracker) CreateUserMapping(pid importer.ProcessID, params importer.MappingParams) importer.MappingID {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateUserMapping", pid, params)
	id, _ := ret[0].(importer.MappingID)
	return id
}

func (r *MockMappingTrackerRecorder) CreateUserMapping(pid, params any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "CreateUserMapping", reflect.TypeOf((*MockMappingTracker)(nil).CreateUserMapping), pid, params)
}

func (m *MockMappingTracker) CreateKernelMapping(params importer.MappingParams) importer.MappingID {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateKernelMapping", params)
	id, _ := ret[0].(importer.MappingID)
	return id
}

func (r *MockMappingTrackerRecorder) CreateKernelMapping(params any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "CreateKernelMapping", reflect.TypeOf((*MockMappingTracker)(nil).CreateKernelMapping), params)
}

func (m *MockMappingTracker) FindMapping(pid importer.ProcessID, kernel bool, addr uint64) (importer.MappingID, uint64, bool) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "FindMapping", pid, kernel, addr)
	id, _ := ret[0].(importer.MappingID)
	relPC, _ := ret[1].(uint64)
	ok, _ := ret[2].(bool)
	return id, relPC, ok
}

func (r *MockMappingTrackerRecorder) FindMapping(pid, kernel, addr any) *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "FindMapping", reflect.TypeOf((*MockMappingTracker)(nil).FindMapping), pid, kernel, addr)
}

func (m *MockMappingTracker) ProcessesWithMappings() []importer.ProcessID {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ProcessesWithMappings")
	ids, _ := ret[0].([]importer.ProcessID)
	return ids
}

func (r *MockMappingTrackerRecorder) ProcessesWithMappings() *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "ProcessesWithMappings", reflect.TypeOf((*MockMappingTracker)(nil).ProcessesWithMappings))
}

func (m *MockMappingTracker) GetDummyMapping() importer.MappingID {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetDummyMapping")
	id, _ := ret[0].(importer.MappingID)
	return id
}

func (r *MockMappingTrackerRecorder) GetDummyMapping() *gomock.Call {
	r.mock.ctrl.T.Helper()
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "GetDummyMapping", reflect.TypeOf((*MockMappingTracker)(nil).GetDummyMapping))
}
