package llm

import "context"

// MockProvider is a testing implementation of Provider.
type MockProvider struct {
	NameValue    string
	IsConfigured bool
	Response     string
	Err          error
	GenerateFunc func(ctx context.Context, req GenerateRequest) (string, error)
	ProbeFunc    func(ctx context.Context, model string) ProbeResult
}

func (m *MockProvider) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockProvider) Configured() bool {
	return m.IsConfigured
}

func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

func (m *MockProvider) Probe(ctx context.Context, model string) ProbeResult {
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, model)
	}
	if !m.IsConfigured {
		return ProbeResult{Status: ProbeUnverified, Detail: "sin credenciales configuradas"}
	}
	if m.Err != nil {
		return ProbeResult{Status: ProbeError, Detail: m.Err.Error()}
	}
	return ProbeResult{Status: ProbeOK, LatencyMs: 5}
}

var _ Provider = (*MockProvider)(nil)
