package service

// Guard exposes the run guard to black-box tests.
func (s *SyncService) Guard() *ExportedRunningGuard { return &s.runningJobs }
